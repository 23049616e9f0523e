// Package store implements the dual-write channel-monitor backends of
// spec §4.5: an operator-authenticated remote store and a per-user
// cloud store, each satisfying MonitorStore, plus the startup
// reconciliation that keeps them in agreement.
package store

import (
	"context"

	"meganode/internal/ids"
)

// MonitorRecord is one channel monitor as persisted by a MonitorStore:
// the opaque sealed blob the Lightning runtime hands the persister,
// keyed by funding outpoint and carrying its monotone update id.
type MonitorRecord struct {
	Txo      ids.LxOutPoint
	UpdateID uint64
	Blob     []byte
}

// MonitorStore is one of the two independent backends a channel
// monitor update is written to. Put must never let a lower update id
// overwrite a higher one already stored for the same Txo — both
// implementations enforce this at the write itself, not by requiring
// callers to read-before-write.
type MonitorStore interface {
	Put(ctx context.Context, rec MonitorRecord) error
	Get(ctx context.Context, txo ids.LxOutPoint) (MonitorRecord, bool, error)
	List(ctx context.Context) ([]MonitorRecord, error)
	Delete(ctx context.Context, txo ids.LxOutPoint) error

	// PutArchive writes rec into this store's archive namespace,
	// independent of the live channel_monitors/ namespace.
	PutArchive(ctx context.Context, rec MonitorRecord) error
}
