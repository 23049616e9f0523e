package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"meganode/pkg/logger"
)

// Reconcile implements spec §4.5's startup procedure: for every
// funding_txo present in either remote or cloud, keep the record with
// the greater update_id and repair whichever side is missing it or
// holds a strictly older one. It returns the reconciled record per
// txo, which the caller uses to seed the persister and the Lightning
// runtime's in-memory channel set.
func Reconcile(ctx context.Context, remote, cloud MonitorStore) (map[string]MonitorRecord, error) {
	remoteList, err := remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list remote: %w", err)
	}
	cloudList, err := cloud.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list cloud: %w", err)
	}

	byTxo := make(map[string]struct {
		remote *MonitorRecord
		cloud  *MonitorRecord
	})

	for i := range remoteList {
		rec := remoteList[i]
		entry := byTxo[rec.Txo.String()]
		entry.remote = &remoteList[i]
		byTxo[rec.Txo.String()] = entry
	}
	for i := range cloudList {
		rec := cloudList[i]
		entry := byTxo[rec.Txo.String()]
		entry.cloud = &cloudList[i]
		byTxo[rec.Txo.String()] = entry
	}

	out := make(map[string]MonitorRecord, len(byTxo))
	for key, entry := range byTxo {
		winner, err := reconcileOne(ctx, remote, cloud, entry.remote, entry.cloud)
		if err != nil {
			return nil, fmt.Errorf("reconcile: %s: %w", key, err)
		}
		out[key] = winner
	}
	return out, nil
}

func reconcileOne(ctx context.Context, remote, cloud MonitorStore, r, c *MonitorRecord) (MonitorRecord, error) {
	switch {
	case r != nil && c == nil:
		logger.Info("reconcile: repairing cloud store from remote", zap.String("txo", r.Txo.String()))
		if err := cloud.Put(ctx, *r); err != nil {
			return MonitorRecord{}, fmt.Errorf("repair cloud: %w", err)
		}
		return *r, nil
	case c != nil && r == nil:
		logger.Info("reconcile: repairing remote store from cloud", zap.String("txo", c.Txo.String()))
		if err := remote.Put(ctx, *c); err != nil {
			return MonitorRecord{}, fmt.Errorf("repair remote: %w", err)
		}
		return *c, nil
	case r != nil && c != nil:
		return reconcileBoth(ctx, remote, cloud, *r, *c)
	default:
		return MonitorRecord{}, fmt.Errorf("reconcile: unreachable: both sides nil")
	}
}

// reconcileBoth picks the greater update_id and repairs the stale side.
func reconcileBoth(ctx context.Context, remote, cloud MonitorStore, r, c MonitorRecord) (MonitorRecord, error) {
	switch {
	case r.UpdateID > c.UpdateID:
		if err := cloud.Put(ctx, r); err != nil {
			return MonitorRecord{}, fmt.Errorf("repair stale cloud: %w", err)
		}
		return r, nil
	case c.UpdateID > r.UpdateID:
		if err := remote.Put(ctx, c); err != nil {
			return MonitorRecord{}, fmt.Errorf("repair stale remote: %w", err)
		}
		return c, nil
	default:
		return r, nil
	}
}
