package runner

import (
	"context"
	"time"

	"meganode/internal/errors"
)

// budgetMB is the memory the scheduler may hand out to running users,
// per spec §4.1's admission invariant:
//
//	|running| * per_user_mem <= sgx_heap - overhead
func (r *Runner) budgetMB() float64 {
	return float64(r.cfg.SgxHeapMB) - float64(r.cfg.OverheadMB)
}

// handleRunRequest implements spec §4.1's four-step admission policy:
// reuse an existing lease-matched instance, reject a lease mismatch as
// UnknownUser, reject over budget as AtCapacity, otherwise launch.
func (r *Runner) handleRunRequest(ctx context.Context, cmd runRequestCmd) {
	if r.shuttingDown {
		cmd.reply <- runResult{err: errors.New(errors.RunnerUnreachable(errors.DomainRunner))}
		return
	}

	if existing, ok := r.nodes[cmd.userPK]; ok {
		if existing.leaseID != cmd.leaseID {
			cmd.reply <- runResult{err: errors.New(errors.UnknownUser(errors.DomainRunner))}
			return
		}
		r.touchLRU(cmd.userPK)
		if existing.ready {
			cmd.reply <- runResult{ports: existing.ports}
		} else {
			existing.readyWaiters = append(existing.readyWaiters, cmd.reply)
		}
		return
	}

	if float64(len(r.nodes)+1)*float64(r.cfg.PerUserMemMB) > r.budgetMB() {
		cmd.reply <- runResult{err: errors.New(errors.AtCapacity(errors.DomainRunner))}
		return
	}

	handle, err := r.launcher.Launch(ctx, cmd.userPK, cmd.leaseID)
	if err != nil {
		cmd.reply <- runResult{err: err}
		return
	}

	r.nodes[cmd.userPK] = &nodeState{
		leaseID:       cmd.leaseID,
		leaseIssuedAt: time.Now(),
		handle:        handle,
		readyWaiters:  []chan runResult{cmd.reply},
	}
	r.lru.Add(cmd.userPK, time.Now())
	r.megaLastUsed = time.Now()

	r.watchNode(cmd.userPK, handle)
	r.sweepForBuffer()
}

// sweepForBuffer evicts the LRU-most running users until buffer_slots
// worth of headroom is free, per spec §4.1's "Eviction mechanics"
// paragraph: admission keeps a standing buffer rather than waiting for
// the inactivity tick to reclaim it.
func (r *Runner) sweepForBuffer() {
	budget := r.budgetMB() - float64(r.cfg.BufferSlots)*float64(r.cfg.PerUserMemMB)
	for {
		active := len(r.nodes) - len(r.evicting)
		if float64(active)*float64(r.cfg.PerUserMemMB) <= budget {
			return
		}
		keys := r.lru.Keys()
		if len(keys) == 0 {
			return
		}
		r.evictUser(keys[0])
	}
}

// handleEvictRequest implements spec §4.1's EvictRequest input: an
// already-gone user is reported as a successful (idempotent) evict; a
// running user is asked to shut down exactly once, with every caller
// who asks in the meantime queued behind the same shutdown.
func (r *Runner) handleEvictRequest(cmd evictRequestCmd) {
	ns, ok := r.nodes[cmd.userPK]
	if !ok {
		cmd.reply <- nil
		return
	}
	ns.evictWaiters = append(ns.evictWaiters, cmd.reply)
	if !ns.evicting {
		r.evictUser(cmd.userPK)
	}
}

// sweepInactivity implements spec §4.1's per-tick "Eviction policy":
// evict every user idle past UserInactivityDuration, then, if the
// whole host has been idle past MegaInactivityDuration, begin a
// graceful mega shutdown.
func (r *Runner) sweepInactivity(now time.Time) {
	for _, userPK := range r.lru.Keys() {
		lastUsed, ok := r.lru.Peek(userPK)
		if !ok {
			continue
		}
		if now.Sub(lastUsed) < r.cfg.UserInactivityDuration {
			break // Keys() is oldest-first: nothing further is idle enough either.
		}
		r.evictUser(userPK)
	}

	if !r.megaLastUsed.IsZero() && now.Sub(r.megaLastUsed) >= r.cfg.MegaInactivityDuration {
		r.Shutdown()
	}
}
