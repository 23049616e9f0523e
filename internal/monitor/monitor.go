// Package monitor implements the channel-monitor persistence pipeline
// of spec §4.5: a single bounded queue, a single dedicated consumer
// enforcing strict enqueue-order processing, dual-write durability
// across two independent MonitorStore backends, and fatal-on-failure
// shutdown signaling — generalized from the teacher's fund_card worker
// loop (cmd/worker/fund_card/main.go), which is likewise a single
// consumer over one Redis stream with a hard stop on unrecoverable
// error.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"meganode/internal/ids"
	"meganode/internal/store"
	"meganode/pkg/logger"
)

// Kind distinguishes a brand-new monitor from an update to an existing
// one; both are persisted identically, but the distinction is useful
// to callers deciding whether to seed the client-side view.
type Kind uint8

const (
	New Kind = iota
	Updated
)

// Job is one queued channel-monitor persistence request: the already
// runtime-serialized monitor blob for a funding outpoint at a given
// update id. The runtime is blocked on the resulting
// ChannelMonitorUpdated callback, per the LDK Persist contract spec
// §4.5 describes.
type Job struct {
	Txo      ids.LxOutPoint
	UpdateID uint64
	Kind     Kind
	Blob     []byte
}

// ChainMonitor is the Lightning runtime collaborator notified once a
// job is durable. The call "unblocks channel state and MAY emit
// further events" per spec §4.5 — the persister does not wait on
// anything that callback itself triggers.
type ChainMonitor interface {
	ChannelMonitorUpdated(ctx context.Context, txo ids.LxOutPoint, updateID uint64) error
}

// Persister is the single writer for channel-monitor state (spec
// §4.5's "Responsibility"). Ordering is enforced by being the sole
// consumer of its own queue (spec §5); there is no other lock.
type Persister struct {
	queue  chan Job
	remote store.MonitorStore
	cloud  store.MonitorStore
	chain  ChainMonitor

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

// NewPersister builds a Persister with the given queue capacity. The
// capacity is the hard backpressure limit spec §4.5 requires: a full
// queue is treated as fatal, not as a reason to block the caller.
func NewPersister(capacity int, remote, cloud store.MonitorStore, chain ChainMonitor) *Persister {
	return &Persister{
		queue:      make(chan Job, capacity),
		remote:     remote,
		cloud:      cloud,
		chain:      chain,
		shutdownCh: make(chan struct{}),
	}
}

// Submit enqueues a job without blocking. A full queue is fatal per
// spec §4.5's backpressure rule ("on try_send failure, treat as fatal
// and shut down — loss of the update is worse than downtime").
func (p *Persister) Submit(job Job) error {
	select {
	case p.queue <- job:
		return nil
	default:
		err := fmt.Errorf("monitor: queue full, cannot accept update for %s", job.Txo)
		p.fatal(err)
		return err
	}
}

// Done is closed once the persister has shut down, fatally or via
// context cancellation.
func (p *Persister) Done() <-chan struct{} { return p.shutdownCh }

// Err returns the error that caused shutdown, or nil on a clean
// context-cancellation stop.
func (p *Persister) Err() error { return p.shutdownErr }

func (p *Persister) fatal(err error) {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = err
		logger.Error("monitor: fatal error, shutting down persister", zap.Error(err))
		close(p.shutdownCh)
	})
}

// Run consumes the queue strictly in enqueue order until ctx is
// cancelled, Submit has signalled fatal shutdown on a full queue (Run
// then returns that error), or a persist failure is hit, in which case
// it signals fatal shutdown and returns immediately without draining
// the rest of the queue — a stale monitor waiting behind a failed one
// must not be acknowledged to the runtime out of order.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-p.shutdownCh:
			return p.shutdownErr
		default:
		}
		select {
		case <-ctx.Done():
			p.shutdownOnce.Do(func() { close(p.shutdownCh) })
			return ctx.Err()
		case <-p.shutdownCh:
			return p.shutdownErr
		case job := <-p.queue:
			if err := p.process(ctx, job); err != nil {
				p.fatal(err)
				return err
			}
		}
	}
}

func (p *Persister) process(ctx context.Context, job Job) error {
	rec := store.MonitorRecord{Txo: job.Txo, UpdateID: job.UpdateID, Blob: job.Blob}

	if err := dualWrite(ctx, p.remote, p.cloud, rec); err != nil {
		return fmt.Errorf("monitor: persist %s update %d: %w", job.Txo, job.UpdateID, err)
	}

	if err := p.chain.ChannelMonitorUpdated(ctx, job.Txo, job.UpdateID); err != nil {
		return fmt.Errorf("monitor: notify runtime for %s update %d: %w", job.Txo, job.UpdateID, err)
	}
	return nil
}

// dualWrite persists rec to both backends concurrently; the update is
// durable iff at least one succeeds (spec §4.5).
func dualWrite(ctx context.Context, remote, cloud store.MonitorStore, rec store.MonitorRecord) error {
	var remoteErr, cloudErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		remoteErr = remote.Put(ctx, rec)
	}()
	go func() {
		defer wg.Done()
		cloudErr = cloud.Put(ctx, rec)
	}()
	wg.Wait()

	if remoteErr != nil {
		logger.Warn("monitor: remote store write failed", zap.String("txo", rec.Txo.String()), zap.Error(remoteErr))
	}
	if cloudErr != nil {
		logger.Warn("monitor: cloud store write failed", zap.String("txo", rec.Txo.String()), zap.Error(cloudErr))
	}
	if remoteErr != nil && cloudErr != nil {
		return fmt.Errorf("both stores failed: remote: %v, cloud: %v", remoteErr, cloudErr)
	}
	return nil
}
