package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "meganode/internal/errors"
)

type fakeNodeCtl struct {
	ready      chan RunPorts
	done       chan struct{}
	shutdownCh chan struct{}
}

type fakeLauncher struct {
	mu        sync.Mutex
	nodes     map[string]*fakeNodeCtl
	launchErr error
	launched  int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nodes: make(map[string]*fakeNodeCtl)}
}

func (f *fakeLauncher) Launch(_ context.Context, userPK, _ string) (*NodeHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launched++
	ctl := &fakeNodeCtl{ready: make(chan RunPorts, 1), done: make(chan struct{}), shutdownCh: make(chan struct{})}
	f.nodes[userPK] = ctl
	ctl.ready <- RunPorts{AppPort: 9000, LexePort: 9001}
	return &NodeHandle{
		Ready: ctl.ready,
		Done:  ctl.done,
		Shutdown: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			select {
			case <-ctl.shutdownCh:
			default:
				close(ctl.shutdownCh)
			}
			close(ctl.done)
		},
	}, nil
}

func (f *fakeLauncher) wasShutdown(userPK string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctl, ok := f.nodes[userPK]
	if !ok {
		return false
	}
	select {
	case <-ctl.shutdownCh:
		return true
	default:
		return false
	}
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	finished []string
}

func (f *fakeOrchestrator) UserFinished(_ context.Context, userPK, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, userPK)
	return nil
}

func (f *fakeOrchestrator) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

func testConfig() Config {
	return Config{
		PerUserMemMB:            1,
		SgxHeapMB:               100,
		OverheadMB:              0,
		BufferSlots:             0,
		UserInactivityDuration:  time.Hour,
		MegaInactivityDuration:  time.Hour,
		InactivityCheckInterval: 10 * time.Millisecond,
		LeaseLifetime:           time.Hour,
		LeaseRenewalInterval:    time.Minute,
		ShutdownTimeout:         time.Second,
	}
}

func startRunner(t *testing.T, cfg Config, launcher NodeLauncher, orch Orchestrator) (*Runner, context.Context, context.CancelFunc) {
	t.Helper()
	r, err := NewRunner(cfg, launcher, orch)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Start(ctx)
	return r, ctx, cancel
}

func TestRunner_AdmitsAndReturnsPortsOnRunRequest(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	ports, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)
	assert.Equal(t, RunPorts{AppPort: 9000, LexePort: 9001}, ports)
}

func TestRunner_SameUserSameLease_ReusesRunningInstance(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)
	_, err = r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	launcher.mu.Lock()
	launched := launcher.launched
	launcher.mu.Unlock()
	assert.Equal(t, 1, launched, "a second RunRequest for the same lease must not relaunch the node")
}

func TestRunner_LeaseMismatch_ReturnsUnknownUser(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	_, err = r.RunRequest(ctx, "user-1", "lease-2", false)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.UnknownUser(merrors.DomainRunner))))
}

func TestRunner_OverBudget_ReturnsAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.SgxHeapMB = 1
	cfg.PerUserMemMB = 1
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, cfg, launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	_, err = r.RunRequest(ctx, "user-2", "lease-2", false)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.AtCapacity(merrors.DomainRunner))))
}

// TestRunner_EvictionUnderPressure_LRUMostEvictedFirst is the core
// scenario from spec §8's concrete scenario list: sgx_heap = 10 *
// per_user_mem, overhead = 0, buffer_slots = 2. Admitting 8 users fits
// with room to spare; admitting a 9th must evict the least-recently-used
// user rather than let effective occupancy exceed 8.
func TestRunner_EvictionUnderPressure_LRUMostEvictedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.SgxHeapMB = 10
	cfg.PerUserMemMB = 1
	cfg.BufferSlots = 2
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, cfg, launcher, &fakeOrchestrator{})
	defer cancel()

	for i := 0; i < 8; i++ {
		_, err := r.RunRequest(ctx, userPKForIndex(i), leasePKForIndex(i), false)
		require.NoError(t, err)
	}
	assert.False(t, launcher.wasShutdown(userPKForIndex(0)), "no eviction expected before the 9th admission")

	_, err := r.RunRequest(ctx, userPKForIndex(8), leasePKForIndex(8), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return launcher.wasShutdown(userPKForIndex(0))
	}, time.Second, time.Millisecond, "the LRU-most user (index 0) must be evicted once the buffer is violated")

	for i := 1; i < 9; i++ {
		assert.False(t, launcher.wasShutdown(userPKForIndex(i)), "only the LRU-most user should be evicted")
	}
}

func TestRunner_ActivityNotification_DelaysEviction(t *testing.T) {
	cfg := testConfig()
	cfg.SgxHeapMB = 3
	cfg.PerUserMemMB = 1
	cfg.BufferSlots = 1
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, cfg, launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-old", "lease-old", false)
	require.NoError(t, err)
	_, err = r.RunRequest(ctx, "user-new", "lease-new", false)
	require.NoError(t, err)

	// Touch user-old so it is no longer the LRU-most entry.
	r.NotifyActivity("user-old")
	time.Sleep(5 * time.Millisecond)

	_, err = r.RunRequest(ctx, "user-third", "lease-third", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return launcher.wasShutdown("user-new")
	}, time.Second, time.Millisecond)
	assert.False(t, launcher.wasShutdown("user-old"), "activity must move a user off the LRU-most position")
}

func TestRunner_EvictRequest_UnknownUser_IsIdempotentSuccess(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	err := r.EvictRequest(ctx, "nobody")
	assert.NoError(t, err)
}

func TestRunner_EvictRequest_RunningUser_ShutsDownAndNotifiesOrchestrator(t *testing.T) {
	launcher := newFakeLauncher()
	orch := &fakeOrchestrator{}
	r, ctx, cancel := startRunner(t, testConfig(), launcher, orch)
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	err = r.EvictRequest(ctx, "user-1")
	assert.NoError(t, err)
	assert.True(t, launcher.wasShutdown("user-1"))

	require.Eventually(t, func() bool {
		return orch.finishedCount() == 1
	}, time.Second, time.Millisecond)
}

func TestRunner_RenewLease_WrongLeaseIsFatalToRenew(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	require.NoError(t, r.RenewLease(ctx, "user-1", "lease-1"))

	err = r.RenewLease(ctx, "user-1", "wrong-lease")
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.WrongLease())))
}

func TestRunner_RenewLease_ExpiredAfterLifetime(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseLifetime = 5 * time.Millisecond
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, cfg, launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	err = r.RenewLease(ctx, "user-1", "lease-1")
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.LeaseExpired())))
}

func TestRunner_GracefulShutdown_DrainsRunningUsers(t *testing.T) {
	launcher := newFakeLauncher()
	r, ctx, cancel := startRunner(t, testConfig(), launcher, &fakeOrchestrator{})
	defer cancel()

	_, err := r.RunRequest(ctx, "user-1", "lease-1", false)
	require.NoError(t, err)

	r.Shutdown()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not complete its shutdown drain")
	}
	assert.True(t, launcher.wasShutdown("user-1"))

	_, err = r.RunRequest(context.Background(), "user-2", "lease-2", false)
	assert.Error(t, err, "RunRequest after shutdown must fail, not hang")
}

func userPKForIndex(i int) string  { return "user-" + string(rune('a'+i)) }
func leasePKForIndex(i int) string { return "lease-" + string(rune('a'+i)) }
