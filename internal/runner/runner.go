// Package runner implements the per-user scheduler of spec §4.1: LRU
// admission within an enclave-wide memory budget, inactivity eviction,
// lease renewal, and graceful shutdown fan-out — all funneled through
// a single command channel so the scheduler's own state needs no lock
// (spec §5: "single-task-owned state, no locking; all mutation funnels
// through the command channel"), the same shape as the teacher's
// single-consumer stream worker in cmd/worker/fund_card/main.go.
package runner

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"meganode/internal/errors"
	"meganode/pkg/logger"

	"go.uber.org/zap"
)

// Config carries the memory-budget and timing constants spec §4.1/§8
// name; these are the runner's only tunables.
type Config struct {
	PerUserMemMB            uint64
	SgxHeapMB               uint64
	OverheadMB              uint64
	BufferSlots             int
	UserInactivityDuration  time.Duration
	MegaInactivityDuration  time.Duration
	InactivityCheckInterval time.Duration
	LeaseLifetime           time.Duration
	LeaseRenewalInterval    time.Duration
	ShutdownTimeout         time.Duration
}

// RunPorts is what a ready user instance hands back to RunRequest callers.
type RunPorts struct {
	AppPort  int
	LexePort int
}

// NodeHandle is what NodeLauncher.Launch returns: a one-shot readiness
// signal, a join signal, and a way to ask the node to shut down.
type NodeHandle struct {
	Ready    <-chan RunPorts
	Done     <-chan struct{}
	Shutdown func()
}

// NodeLauncher spawns the per-user node task. Launch must return
// quickly; readiness is reported asynchronously on the returned
// handle's Ready channel.
type NodeLauncher interface {
	Launch(ctx context.Context, userPK, leaseID string) (*NodeHandle, error)
}

// Orchestrator is the external lease-holding service the runner tells
// about a finished user, so the lease can be released.
type Orchestrator interface {
	UserFinished(ctx context.Context, userPK, leaseID string) error
}

// NewLeaseID mints a fresh lease id for a newly admitted user.
func NewLeaseID() string { return uuid.NewString() }

type runResult struct {
	ports RunPorts
	err   error
}

type runRequestCmd struct {
	userPK            string
	leaseID           string
	shutdownAfterSync bool
	reply             chan runResult
}

type evictRequestCmd struct {
	userPK string
	reply  chan error
}

type activityCmd struct {
	userPK string
}

type nodeReadyCmd struct {
	userPK string
	ports  RunPorts
}

type nodeFinishedCmd struct {
	userPK string
}

type renewLeaseCmd struct {
	userPK  string
	leaseID string
	reply   chan error
}

type nodeState struct {
	leaseID       string
	leaseIssuedAt time.Time
	handle        *NodeHandle
	ready         bool
	ports         RunPorts
	readyWaiters  []chan runResult
	evicting      bool
	evictWaiters  []chan error
}

// Runner is the scheduler itself. Every field below nodeState-and-below
// is owned exclusively by the goroutine running Start and must never be
// touched from any other goroutine — that is the entire point of
// funneling every external interaction through cmds.
type Runner struct {
	cfg          Config
	launcher     NodeLauncher
	orchestrator Orchestrator

	cmds              chan any
	shutdownRequested chan struct{}
	shutdownOnce      sync.Once
	doneCh            chan struct{}

	nodes        map[string]*nodeState
	lru          *lru.Cache[string, time.Time]
	evicting     map[string]struct{}
	megaLastUsed time.Time
	shuttingDown bool
}

// NewRunner builds a Runner. Call Start in its own goroutine to begin
// processing.
func NewRunner(cfg Config, launcher NodeLauncher, orchestrator Orchestrator) (*Runner, error) {
	cache, err := lru.New[string, time.Time](math.MaxInt32)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:               cfg,
		launcher:          launcher,
		orchestrator:      orchestrator,
		cmds:              make(chan any, 256),
		shutdownRequested: make(chan struct{}),
		doneCh:            make(chan struct{}),
		nodes:             make(map[string]*nodeState),
		lru:               cache,
		evicting:          make(map[string]struct{}),
	}, nil
}

// Done is closed once Start has finished its shutdown drain and returned.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

// Shutdown requests a graceful shutdown; safe to call more than once
// and from any goroutine.
func (r *Runner) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownRequested) })
}

// RunRequest implements spec §4.1's RunRequest input.
func (r *Runner) RunRequest(ctx context.Context, userPK, leaseID string, shutdownAfterSync bool) (RunPorts, error) {
	reply := make(chan runResult, 1)
	cmd := runRequestCmd{userPK: userPK, leaseID: leaseID, shutdownAfterSync: shutdownAfterSync, reply: reply}
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return RunPorts{}, ctx.Err()
	case <-r.doneCh:
		return RunPorts{}, errors.New(errors.RunnerUnreachable(errors.DomainRunner))
	}
	select {
	case res := <-reply:
		return res.ports, res.err
	case <-ctx.Done():
		return RunPorts{}, ctx.Err()
	case <-r.doneCh:
		return RunPorts{}, errors.New(errors.RunnerUnreachable(errors.DomainRunner))
	}
}

// EvictRequest implements spec §4.1's EvictRequest input.
func (r *Runner) EvictRequest(ctx context.Context, userPK string) error {
	reply := make(chan error, 1)
	select {
	case r.cmds <- evictRequestCmd{userPK: userPK, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return errors.New(errors.RunnerUnreachable(errors.DomainRunner))
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyActivity implements spec §4.1's ActivityNotification input.
// It is fire-and-forget: the tunnel layer calls this on every
// authenticated request, so a dropped notification under an already
// saturated command queue is preferable to blocking the request path.
func (r *Runner) NotifyActivity(userPK string) {
	select {
	case r.cmds <- activityCmd{userPK: userPK}:
	default:
	}
}

// RenewLease implements spec §4.1's per-user lease renewal RPC.
func (r *Runner) RenewLease(ctx context.Context, userPK, leaseID string) error {
	reply := make(chan error, 1)
	select {
	case r.cmds <- renewLeaseCmd{userPK: userPK, leaseID: leaseID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return errors.New(errors.RunnerUnreachable(errors.DomainRunner))
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the scheduler loop until ctx is cancelled or Shutdown is
// called, then performs the graceful drain described in spec §4.1's
// "Shutdown" paragraph before returning.
func (r *Runner) Start(ctx context.Context) error {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.InactivityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drainShutdown(ctx)
			return ctx.Err()
		case <-r.shutdownRequested:
			r.drainShutdown(ctx)
			return nil
		case now := <-ticker.C:
			r.sweepInactivity(now)
		case cmd := <-r.cmds:
			r.handleCommand(ctx, cmd)
		}
	}
}

func (r *Runner) handleCommand(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case runRequestCmd:
		r.handleRunRequest(ctx, c)
	case evictRequestCmd:
		r.handleEvictRequest(c)
	case activityCmd:
		r.handleActivity(c)
	case nodeReadyCmd:
		r.handleNodeReady(c)
	case nodeFinishedCmd:
		r.handleNodeFinished(c)
	case renewLeaseCmd:
		r.handleRenewLease(c)
	default:
		logger.Warn("runner: unknown command type")
	}
}

func (r *Runner) watchNode(userPK string, handle *NodeHandle) {
	go func() {
		select {
		case ports, ok := <-handle.Ready:
			if ok {
				r.cmds <- nodeReadyCmd{userPK: userPK, ports: ports}
			}
		case <-handle.Done:
		}
	}()
	go func() {
		<-handle.Done
		r.cmds <- nodeFinishedCmd{userPK: userPK}
	}()
}

func (r *Runner) touchLRU(userPK string) {
	if ns, ok := r.nodes[userPK]; ok && !ns.evicting {
		r.lru.Add(userPK, time.Now())
	}
	r.megaLastUsed = time.Now()
}

// evictUser moves userPK from lru to evicting and signals its shutdown.
// Caller must already hold the implicit single-goroutine ownership
// (i.e. only ever called from within the Start loop).
func (r *Runner) evictUser(userPK string) {
	ns, ok := r.nodes[userPK]
	if !ok || ns.evicting {
		return
	}
	ns.evicting = true
	r.evicting[userPK] = struct{}{}
	r.lru.Remove(userPK)
	ns.handle.Shutdown()
}

func (r *Runner) handleNodeReady(cmd nodeReadyCmd) {
	ns, ok := r.nodes[cmd.userPK]
	if !ok {
		return
	}
	ns.ready = true
	ns.ports = cmd.ports
	for _, w := range ns.readyWaiters {
		w <- runResult{ports: cmd.ports}
	}
	ns.readyWaiters = nil
}

func (r *Runner) handleNodeFinished(cmd nodeFinishedCmd) {
	ns, ok := r.nodes[cmd.userPK]
	if !ok {
		return
	}
	delete(r.nodes, cmd.userPK)
	delete(r.evicting, cmd.userPK)
	r.lru.Remove(cmd.userPK)

	for _, w := range ns.evictWaiters {
		w <- nil
	}
	for _, w := range ns.readyWaiters {
		w <- runResult{err: errors.New(errors.RunnerUnreachable(errors.DomainRunner))}
	}

	userPK, leaseID := cmd.userPK, ns.leaseID
	go func() {
		if err := r.orchestrator.UserFinished(context.Background(), userPK, leaseID); err != nil {
			logger.Warn("runner: user_finished notification failed",
				zap.String("user_pk", userPK), zap.Error(err))
		}
	}()
}

func (r *Runner) handleActivity(cmd activityCmd) {
	if _, ok := r.nodes[cmd.userPK]; !ok {
		return
	}
	r.touchLRU(cmd.userPK)
}

func (r *Runner) handleRenewLease(cmd renewLeaseCmd) {
	ns, ok := r.nodes[cmd.userPK]
	if !ok {
		cmd.reply <- errors.New(errors.UnknownUser(errors.DomainRunner))
		return
	}
	if ns.leaseID != cmd.leaseID {
		cmd.reply <- errors.New(errors.WrongLease())
		return
	}
	if time.Since(ns.leaseIssuedAt) > r.cfg.LeaseLifetime {
		cmd.reply <- errors.New(errors.LeaseExpired())
		return
	}
	cmd.reply <- nil
}
