package payments

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "meganode/internal/errors"
	"meganode/internal/ids"
)

// fakeStore is an in-memory Persister. persistErr, when set, is
// returned by every Persist call (and nothing is recorded), letting
// tests exercise the Replay path.
type fakeStore struct {
	mu              sync.Mutex
	byId            map[string]*Payment
	persistErr      error
	persistBatchErr error
	batchCalls      int
	lastBatchSize   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byId: make(map[string]*Payment)}
}

func (s *fakeStore) Persist(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	cp := *p
	s.byId[p.Id.String()] = &cp
	return nil
}

// PersistBatch records the number of calls and the size of each batch
// so tests can assert the manager issues exactly one call per tick
// rather than one per payment.
func (s *fakeStore) PersistBatch(_ context.Context, ps []*Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	s.lastBatchSize = len(ps)
	if s.persistBatchErr != nil {
		return s.persistBatchErr
	}
	for _, p := range ps {
		cp := *p
		s.byId[p.Id.String()] = &cp
	}
	return nil
}

// fakeRuntime records ClaimFunds/AbandonPayment/FailHtlcBackwards calls
// for assertion.
type fakeRuntime struct {
	mu          sync.Mutex
	claimed     []lntypes.Preimage
	abandoned   []lntypes.Hash
	failedBack  []lntypes.Hash
	claimErr    error
	abandonErr  error
	failBackErr error
}

func (r *fakeRuntime) ClaimFunds(_ context.Context, preimage lntypes.Preimage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return r.claimErr
	}
	r.claimed = append(r.claimed, preimage)
	return nil
}

func (r *fakeRuntime) AbandonPayment(_ context.Context, hash lntypes.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abandonErr != nil {
		return r.abandonErr
	}
	r.abandoned = append(r.abandoned, hash)
	return nil
}

func (r *fakeRuntime) FailHtlcBackwards(_ context.Context, hash lntypes.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failBackErr != nil {
		return r.failBackErr
	}
	r.failedBack = append(r.failedBack, hash)
	return nil
}

func testHash(b byte) lntypes.Hash {
	var h lntypes.Hash
	h[0] = b
	return h
}

func TestHandlePaymentClaimable_NewInvoice_ClaimsExactlyOnce(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	preimage := lntypes.Preimage{}
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	err := m.HandlePaymentClaimable(context.Background(), ClaimInvoice, hash, [32]byte{}, 10_000, preimage, "coffee", 1000)
	require.NoError(t, err)

	require.Len(t, runtime.claimed, 1)
	assert.Equal(t, preimage, runtime.claimed[0])

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, KindInboundInvoice, pending[0].Kind)
	assert.Equal(t, InboundClaiming, pending[0].InboundStatus)
}

func TestHandlePaymentClaimable_AlreadyFinalized_FailsBack(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	hash := testHash(2)
	finalizedAt := int64(500)
	p := NewInboundInvoice(hash, nil, "", nil, 100)
	p.InboundStatus = InboundCompleted
	p.AmountMsat = ptrU64(1000)
	p.FinalizedAtMs = &finalizedAt
	// LoadPending only seeds non-finalized payments; insert directly to
	// simulate a finalized payment the manager still holds a stale
	// reference to (duplicate-claim scenario from spec §8 scenario 3).
	m.mu.Lock()
	m.pending[p.Id.String()] = p
	m.mu.Unlock()

	err := m.HandlePaymentClaimable(context.Background(), ClaimInvoice, hash, [32]byte{}, 1000, lntypes.Preimage{}, "", 600)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.FailBackHtlcsTheirFault())))
	require.Len(t, runtime.failedBack, 1, "a duplicate claim against a finalized payment must fail the htlc back at this hop")
	assert.Equal(t, hash, runtime.failedBack[0])
	assert.Empty(t, runtime.claimed, "must not claim funds for an already-finalized payment")
}

func TestHandlePaymentClaimable_AlreadyFinalized_FailHtlcBackwardsErrors_Propagates(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{failBackErr: errors.New("runtime unreachable")}
	m := NewManager(store, runtime)

	hash := testHash(5)
	finalizedAt := int64(500)
	p := NewInboundInvoice(hash, nil, "", nil, 100)
	p.InboundStatus = InboundCompleted
	p.AmountMsat = ptrU64(1000)
	p.FinalizedAtMs = &finalizedAt
	m.mu.Lock()
	m.pending[p.Id.String()] = p
	m.mu.Unlock()

	err := m.HandlePaymentClaimable(context.Background(), ClaimInvoice, hash, [32]byte{}, 1000, lntypes.Preimage{}, "", 600)
	require.Error(t, err)
	assert.NotErrorIs(t, err, merrors.New(merrors.FailBackHtlcsTheirFault()), "a runtime error should surface over the taxonomy error it would otherwise return")
}

func TestHandlePaymentClaimable_PersistFailure_ReturnsReplay(t *testing.T) {
	store := newFakeStore()
	store.persistErr = errors.New("store unavailable")
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	err := m.HandlePaymentClaimable(context.Background(), ClaimSpontaneous, testHash(3), [32]byte{}, 1000, lntypes.Preimage{}, "", 100)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.Replay())))
	assert.Empty(t, runtime.claimed)
	assert.Empty(t, m.Pending(), "a failed persist must not commit the transition")
}

func TestHandlePaymentClaimable_Idempotent_ClaimsOnceAcrossRetries(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	hash := testHash(4)
	for i := 0; i < 3; i++ {
		err := m.HandlePaymentClaimable(context.Background(), ClaimInvoice, hash, [32]byte{}, 5000, lntypes.Preimage{}, "", 100)
		require.NoError(t, err)
	}

	assert.Len(t, runtime.claimed, 3, "the manager calls claim_funds once per event delivery; de-duplicating repeat deliveries is the runtime's job per spec §4.4")
	assert.Len(t, m.Pending(), 1, "repeated claims of the same hash must not create duplicate records")
}

func TestHandlePaymentSent_VerifiesPreimageAgainstHash(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	var preimage lntypes.Preimage
	preimage[0] = 7
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	p := NewOutboundSpontaneous(hash, 1000, 100)
	m.LoadPending([]*Payment{p})

	err := m.HandlePaymentSent(context.Background(), p.Id, hash, preimage, nil, 200)
	require.NoError(t, err)

	assert.Empty(t, m.Pending(), "a completed payment must leave the pending set")
}

func TestHandlePaymentSent_WrongPreimage_RejectsAsInvalidData(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	hash := testHash(5)
	p := NewOutboundSpontaneous(hash, 1000, 100)
	m.LoadPending([]*Payment{p})

	wrongPreimage := lntypes.Preimage{9, 9, 9}
	err := m.HandlePaymentSent(context.Background(), p.Id, hash, wrongPreimage, nil, 200)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.InvalidData())))
	assert.Len(t, m.Pending(), 1, "a rejected event must not mutate the pending payment")
}

func TestHandlePaymentSent_FallsBackToFeeEstimate(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	var preimage lntypes.Preimage
	preimage[0] = 3
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))
	p := NewOutboundInvoice(hash, 1000, nil, 100)
	estimate := int64(42)
	p.FeeEstimateMsat = &estimate
	m.LoadPending([]*Payment{p})

	require.NoError(t, m.HandlePaymentSent(context.Background(), p.Id, hash, preimage, nil, 200))

	got := store.byId[p.Id.String()]
	require.NotNil(t, got)
	assert.Equal(t, estimate, got.FeeMsat)
}

func TestHandlePaymentFailed_TransitionsToFailed(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	hash := testHash(6)
	p := NewOutboundInvoice(hash, 1000, nil, 100)
	m.LoadPending([]*Payment{p})

	failure := lnrpc.Failure_TEMPORARY_NODE_FAILURE
	require.NoError(t, m.HandlePaymentFailed(context.Background(), p.Id, failure, 200))

	assert.Empty(t, m.Pending())
	stored := store.byId[p.Id.String()]
	require.NotNil(t, stored)
	assert.Equal(t, OutboundFailed, stored.OutboundStatus)
	require.NotNil(t, stored.OutboundFailure)
	assert.Equal(t, failure, *stored.OutboundFailure)
}

func TestCheckPaymentExpiries_AbandonsOnceThenReissuesIdempotently(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	hash := testHash(7)
	expiresAt := int64(1000)
	p := NewOutboundInvoice(hash, 1000, &expiresAt, 100)
	m.LoadPending([]*Payment{p})

	require.NoError(t, m.CheckPaymentExpiries(context.Background(), 1001))
	require.Len(t, runtime.abandoned, 1)

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, OutboundAbandoning, pending[0].OutboundStatus)

	require.NoError(t, m.CheckPaymentExpiries(context.Background(), 1002))
	assert.Len(t, runtime.abandoned, 2, "an already-abandoning payment re-issues abandon_payment without repersisting")
}

func TestCheckPaymentExpiries_NoExpiredPayments_IsNoop(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	expiresAt := int64(5000)
	p := NewOutboundInvoice(testHash(8), 1000, &expiresAt, 100)
	m.LoadPending([]*Payment{p})

	require.NoError(t, m.CheckPaymentExpiries(context.Background(), 100))
	assert.Empty(t, runtime.abandoned)
	assert.Equal(t, OutboundPending, m.Pending()[0].OutboundStatus)
	assert.Zero(t, store.batchCalls, "nothing expired, so PersistBatch must not be called")
}

func TestCheckPaymentExpiries_MultipleExpired_PersistsInOneBatchCall(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	expiresAt := int64(1000)
	p1 := NewOutboundInvoice(testHash(9), 1000, &expiresAt, 100)
	p2 := NewOutboundInvoice(testHash(10), 2000, &expiresAt, 100)
	p3 := NewOutboundInvoice(testHash(11), 3000, &expiresAt, 100)
	m.LoadPending([]*Payment{p1, p2, p3})

	require.NoError(t, m.CheckPaymentExpiries(context.Background(), 1001))

	assert.Equal(t, 1, store.batchCalls, "spec §4.4 requires a single batched persist call per tick, not one per payment")
	assert.Equal(t, 3, store.lastBatchSize)
	assert.Len(t, runtime.abandoned, 3)
}

func TestCheckPaymentExpiries_BatchPersistFailure_ReturnsReplayAndDoesNotCommit(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	expiresAt := int64(1000)
	p := NewOutboundInvoice(testHash(12), 1000, &expiresAt, 100)
	m.LoadPending([]*Payment{p})
	store.persistBatchErr = errors.New("remote store unavailable")

	err := m.CheckPaymentExpiries(context.Background(), 1001)
	require.Error(t, err)
	var taxErr *merrors.Error
	require.ErrorAs(t, err, &taxErr)
	assert.True(t, taxErr.Is(merrors.New(merrors.Replay())))
	assert.Empty(t, runtime.abandoned, "abandon_payment must not be issued when the batch persist failed")
	assert.Equal(t, OutboundPending, m.Pending()[0].OutboundStatus, "in-memory state must not advance past a failed persist")
}

func TestHandleOnchainConfStatus_SendReachesFullyConfirmed(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	p := NewOnchainSend([32]byte{1}, 50_000, 500, 100)
	m.LoadPending([]*Payment{p})

	require.NoError(t, m.HandleOnchainSendBroadcast(context.Background(), p.Id, ids.LxOutPoint{Vout: 0}))
	require.NoError(t, m.HandleOnchainConfStatus(context.Background(), p.Id, ConfStatus{Confirmations: 1}, 200))
	require.Len(t, m.Pending(), 1)
	assert.Equal(t, OnchainSendPartiallyConfirmed, m.Pending()[0].OnchainSendStatus)

	require.NoError(t, m.HandleOnchainConfStatus(context.Background(), p.Id, ConfStatus{Confirmations: 6}, 300))
	assert.Empty(t, m.Pending(), "fully confirmed is terminal and leaves pending")
	assert.Equal(t, OnchainSendFullyConfirmed, store.byId[p.Id.String()].OnchainSendStatus)
}

func TestHandleOnchainConfStatus_ReplacementDropsToFailed(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	p := NewOnchainSend([32]byte{2}, 50_000, 500, 100)
	m.LoadPending([]*Payment{p})
	require.NoError(t, m.HandleOnchainSendBroadcast(context.Background(), p.Id, ids.LxOutPoint{Vout: 1}))

	require.NoError(t, m.HandleOnchainConfStatus(context.Background(), p.Id, ConfStatus{Replacement: true, Confirmations: 6}, 400))
	assert.Empty(t, m.Pending())
	assert.Equal(t, OnchainSendFullyReplaced, store.byId[p.Id.String()].OnchainSendStatus)
}

func TestHandleOnchainConfStatus_NoChange_DoesNotPersist(t *testing.T) {
	store := newFakeStore()
	runtime := &fakeRuntime{}
	m := NewManager(store, runtime)

	p := NewOnchainReceive([32]byte{3}, ids.LxOutPoint{Vout: 0}, 20_000, 100)
	m.LoadPending([]*Payment{p})

	// Zeroconf with zero confirmations stays Zeroconf: no transition.
	require.NoError(t, m.HandleOnchainConfStatus(context.Background(), p.Id, ConfStatus{Confirmations: 0}, 200))
	assert.Nil(t, store.byId[p.Id.String()], "a no-op transition must not persist")
}

func ptrU64(v uint64) *uint64 { return &v }
