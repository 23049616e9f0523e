package runner

import (
	"context"
	"time"

	"meganode/internal/errors"
)

// drainShutdown implements spec §4.1's "Shutdown" sequence: stop
// accepting new work, broadcast a shutdown signal to every running
// user, then wait for the fleet to join up to ShutdownTimeout before
// giving up on stragglers.
func (r *Runner) drainShutdown(ctx context.Context) {
	r.shuttingDown = true
	for userPK := range r.nodes {
		r.evictUser(userPK)
	}

	deadline := time.NewTimer(r.cfg.ShutdownTimeout)
	defer deadline.Stop()

	for len(r.nodes) > 0 {
		select {
		case <-deadline.C:
			r.failRemainingWaiters()
			return
		case cmd := <-r.cmds:
			r.handleDrainCommand(ctx, cmd)
		}
	}
}

// handleDrainCommand processes the subset of commands meaningful while
// draining: node completions still update state normally, in-flight
// evict requests still queue behind the shutdown already in progress,
// and anything that would admit new work is rejected immediately.
func (r *Runner) handleDrainCommand(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case nodeFinishedCmd:
		r.handleNodeFinished(c)
	case nodeReadyCmd:
		r.handleNodeReady(c)
	case evictRequestCmd:
		if ns, ok := r.nodes[c.userPK]; ok {
			ns.evictWaiters = append(ns.evictWaiters, c.reply)
		} else {
			c.reply <- nil
		}
	case runRequestCmd:
		c.reply <- runResult{err: errors.New(errors.RunnerUnreachable(errors.DomainRunner))}
	case renewLeaseCmd:
		c.reply <- errors.New(errors.RunnerUnreachable(errors.DomainRunner))
	case activityCmd:
		// Activity is meaningless once the host is tearing down.
	}
}

// failRemainingWaiters implements spec §4.1's timeout branch: any
// EvictRequest still queued when ShutdownTimeout elapses is answered
// with RunnerUnreachable rather than left hanging forever.
func (r *Runner) failRemainingWaiters() {
	for _, ns := range r.nodes {
		for _, w := range ns.evictWaiters {
			w <- errors.New(errors.RunnerUnreachable(errors.DomainRunner))
		}
		for _, w := range ns.readyWaiters {
			w <- runResult{err: errors.New(errors.RunnerUnreachable(errors.DomainRunner))}
		}
	}
}
