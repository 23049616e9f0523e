package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meganode/internal/ids"
	"meganode/internal/sealing"
	"meganode/internal/store"
	"meganode/pkg/logger"
)

// archiveLabel domain-separates archive re-encryption from the live
// channel_monitors/ namespace (spec §4.6's label contract).
var archiveLabel = []byte("meganode/channel_monitors_archive/v1")

// Archiver re-encrypts a closed channel's monitor for the archive
// namespace and removes the live copy, per spec §4.5's "Archive" rule.
// Archive failures are logged but non-fatal: a channel close must
// never be blocked on cold storage.
type Archiver struct {
	remote store.MonitorStore
	cloud  store.MonitorStore
	sealer *sealing.Sealer
}

func NewArchiver(remote, cloud store.MonitorStore, sealer *sealing.Sealer) *Archiver {
	return &Archiver{remote: remote, cloud: cloud, sealer: sealer}
}

// Archive reads the live monitor (preferring remote, falling back to
// cloud), re-seals it under the archive label, writes the archive
// copy to both backends, then deletes the live copy from both. Read
// and re-seal failures are logged and returned for the caller to log
// further up the stack; failures writing the archive copy or deleting
// the live copy are only logged, and Archive still returns nil. Per
// spec §4.5 none of these is fatal to the enclave the way a live
// persist failure is.
func (a *Archiver) Archive(ctx context.Context, txo ids.LxOutPoint) error {
	rec, found, err := a.readLive(ctx, txo)
	if err != nil {
		logger.Warn("monitor: archive read failed", zap.String("txo", txo.String()), zap.Error(err))
		return fmt.Errorf("monitor: archive %s: read live: %w", txo, err)
	}
	if !found {
		logger.Warn("monitor: archive requested for unknown monitor", zap.String("txo", txo.String()))
		return nil
	}

	sealed, err := a.sealer.Seal(archiveLabel, rec.Blob)
	if err != nil {
		logger.Warn("monitor: archive re-seal failed", zap.String("txo", txo.String()), zap.Error(err))
		return fmt.Errorf("monitor: archive %s: reseal: %w", txo, err)
	}
	archiveRec := store.MonitorRecord{Txo: txo, UpdateID: rec.UpdateID, Blob: sealing.Encode(sealed)}

	if err := a.remote.PutArchive(ctx, archiveRec); err != nil {
		logger.Warn("monitor: archive write to remote failed", zap.String("txo", txo.String()), zap.Error(err))
	}
	if err := a.cloud.PutArchive(ctx, archiveRec); err != nil {
		logger.Warn("monitor: archive write to cloud failed", zap.String("txo", txo.String()), zap.Error(err))
	}

	if err := a.remote.Delete(ctx, txo); err != nil {
		logger.Warn("monitor: live delete from remote failed", zap.String("txo", txo.String()), zap.Error(err))
	}
	if err := a.cloud.Delete(ctx, txo); err != nil {
		logger.Warn("monitor: live delete from cloud failed", zap.String("txo", txo.String()), zap.Error(err))
	}
	return nil
}

func (a *Archiver) readLive(ctx context.Context, txo ids.LxOutPoint) (store.MonitorRecord, bool, error) {
	if rec, found, err := a.remote.Get(ctx, txo); err == nil && found {
		return rec, true, nil
	}
	return a.cloud.Get(ctx, txo)
}
