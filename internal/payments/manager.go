package payments

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"

	"meganode/internal/errors"
	"meganode/internal/ids"
)

// Persister is the authoritative remote store the manager writes
// through to before committing any state transition into memory. It is
// distinct from the client-side paymentdb projection: this is the
// manager's own source of truth.
type Persister interface {
	Persist(ctx context.Context, p *Payment) error

	// PersistBatch durably writes every payment in ps in a single
	// remote call, per spec §4.4's "Persistence is a single remote
	// call" batch-operation rule.
	PersistBatch(ctx context.Context, ps []*Payment) error
}

// Runtime is the Lightning node collaborator the manager calls into
// after a transition has been persisted and committed. Every method is
// expected to be idempotent on the runtime's side, since the manager
// may re-issue the same call across retried events.
type Runtime interface {
	ClaimFunds(ctx context.Context, preimage lntypes.Preimage) error
	AbandonPayment(ctx context.Context, hash lntypes.Hash) error

	// FailHtlcBackwards tells the runtime to fail the HTLCs for hash at
	// this hop, the action implied by a FailBackHtlcsTheirFault
	// classification (e.g. a duplicate claim against an already
	// finalized payment).
	FailHtlcBackwards(ctx context.Context, hash lntypes.Hash) error
}

// Manager is the single point of serialization for all payment state
// changes originating from the Lightning/on-chain event stream. Every
// mutating method follows check -> persist -> commit under mu; see
// spec §4.4 and §5's lock discipline.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Payment // keyed by Id.String()

	store   Persister
	runtime Runtime
}

// NewManager returns an empty Manager. Call LoadPending at startup to
// seed it from the client projection's pending set.
func NewManager(store Persister, runtime Runtime) *Manager {
	return &Manager{
		pending: make(map[string]*Payment),
		store:   store,
		runtime: runtime,
	}
}

// LoadPending seeds the manager's in-memory pending set at startup.
// Finalized payments are not tracked here; the manager only holds
// payments it might still transition.
func (m *Manager) LoadPending(payments []*Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payments {
		if !p.IsFinalized() {
			m.pending[p.Id.String()] = p
		}
	}
}

// Pending returns a snapshot of the currently-pending payments for
// inspection (tests, diagnostics). The returned payments must not be
// mutated in place.
func (m *Manager) Pending() []*Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Payment, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return out
}

func (m *Manager) lookup(id ids.PaymentId) (*Payment, bool) {
	p, ok := m.pending[id.String()]
	return p, ok
}

// commit applies the check step's result to pending: insert if still
// pending, remove if finalized. Caller must hold mu.
func (m *Manager) commit(id ids.PaymentId, p *Payment) {
	if p.IsFinalized() {
		delete(m.pending, id.String())
	} else {
		m.pending[id.String()] = p
	}
}

// CheckPaymentExpiries implements spec §4.4's batch operation: scan the
// entire pending set once, transition any expired outbound payment to
// Abandoning, persist the batch in one call, then issue the
// abandon_payment calls for both newly- and already-abandoning
// payments (the latter is a re-issue; idempotent on the runtime side,
// not repersisted here).
func (m *Manager) CheckPaymentExpiries(ctx context.Context, nowMs int64) error {
	m.mu.Lock()

	var toPersist []*Payment
	var toAbandon []lntypes.Hash

	for _, p := range m.pending {
		if !p.Kind.isOutbound() {
			continue
		}
		if p.ExpiresAtMs == nil || nowMs < *p.ExpiresAtMs {
			continue
		}
		switch p.OutboundStatus {
		case OutboundPending:
			next := *p
			next.OutboundStatus = OutboundAbandoning
			toPersist = append(toPersist, &next)
			toAbandon = append(toAbandon, next.Hash)
		case OutboundAbandoning:
			toAbandon = append(toAbandon, p.Hash)
		default:
			// Completed/Failed payments are no longer in pending at all.
		}
	}

	if len(toPersist) > 0 {
		if err := m.store.PersistBatch(ctx, toPersist); err != nil {
			m.mu.Unlock()
			return errors.Wrap(errors.Replay(), err)
		}
	}
	for _, p := range toPersist {
		m.commit(p.Id, p)
	}
	m.mu.Unlock()

	for _, hash := range toAbandon {
		if err := m.runtime.AbandonPayment(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}
