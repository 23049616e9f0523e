package payments

import (
	"context"
	"crypto/sha256"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"

	"meganode/internal/errors"
	"meganode/internal/ids"
)

// ClaimPurpose distinguishes which of the three Lightning-receive
// variants a PaymentClaimable/PaymentClaimed event concerns.
type ClaimPurpose uint8

const (
	ClaimInvoice ClaimPurpose = iota
	ClaimOfferReusable
	ClaimSpontaneous
)

func claimId(purpose ClaimPurpose, hash lntypes.Hash, claimID [32]byte) ids.PaymentId {
	if purpose == ClaimOfferReusable {
		return ids.NewOfferRecvReusableId(claimID)
	}
	return ids.NewLightningId(hash)
}

// HandlePaymentClaimable implements spec §4.4's PaymentClaimable row.
// On success it calls runtime.ClaimFunds(preimage) exactly once, after
// the lock has been released. On failure it returns a classified
// *errors.Error: Replay if persistence failed (the runtime should fail
// the HTLC with TemporaryNodeFailure and expect a retry), or
// FailBackHtlcsTheirFault if the payment is already finalized (the
// runtime should fail with IncorrectOrUnknownPaymentDetails).
func (m *Manager) HandlePaymentClaimable(
	ctx context.Context,
	purpose ClaimPurpose,
	hash lntypes.Hash,
	claimID [32]byte,
	amountMsat uint64,
	preimage lntypes.Preimage,
	description string,
	nowMs int64,
) error {
	m.mu.Lock()

	id := claimId(purpose, hash, claimID)
	existing, found := m.lookup(id)
	if found && existing.IsFinalized() {
		m.mu.Unlock()
		if err := m.runtime.FailHtlcBackwards(ctx, hash); err != nil {
			return err
		}
		return errors.New(errors.FailBackHtlcsTheirFault())
	}

	next := checkPaymentClaimable(purpose, existing, found, hash, claimID, amountMsat, description, nowMs)

	if err := m.store.Persist(ctx, next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, next)
	m.mu.Unlock()

	return m.runtime.ClaimFunds(ctx, preimage)
}

// checkPaymentClaimable computes the post-transition payment without
// mutating any shared state: create a new inbound record if this claim
// hasn't been seen, otherwise the existing (still-Claiming) record is
// re-persisted as-is — spec's "update to Claiming" is a no-op once
// already Claiming, since InboundCompleted is the only other status.
func checkPaymentClaimable(
	purpose ClaimPurpose,
	existing *Payment,
	found bool,
	hash lntypes.Hash,
	claimID [32]byte,
	amountMsat uint64,
	description string,
	nowMs int64,
) *Payment {
	if found {
		return existing
	}
	switch purpose {
	case ClaimOfferReusable:
		return NewInboundOfferReusable(hash, claimID, amountMsat, nowMs)
	case ClaimSpontaneous:
		return NewInboundSpontaneous(hash, amountMsat, nowMs)
	default:
		return NewInboundInvoice(hash, &amountMsat, description, nil, nowMs)
	}
}

// HandlePaymentClaimed implements spec §4.4's PaymentClaimed row:
// transition the existing claim record to Completed. If the payment is
// unknown or already finalized, this is treated as Discard (the event
// is dropped rather than retried, since there is nothing further this
// manager can do about it).
func (m *Manager) HandlePaymentClaimed(
	ctx context.Context,
	purpose ClaimPurpose,
	hash lntypes.Hash,
	claimID [32]byte,
	nowMs int64,
) error {
	m.mu.Lock()

	id := claimId(purpose, hash, claimID)
	existing, found := m.lookup(id)
	if !found || existing.IsFinalized() {
		m.mu.Unlock()
		return errors.New(errors.Discard())
	}

	finalizedAt := nowMs
	next := *existing
	next.InboundStatus = InboundCompleted
	next.FinalizedAtMs = &finalizedAt

	if err := m.store.Persist(ctx, &next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, &next)
	m.mu.Unlock()
	return nil
}

// HandlePaymentSent implements spec §4.4's PaymentSent row: verify the
// revealed preimage actually hashes to the payment's hash, then
// transition to Completed recording the actual fee (falling back to
// the fee estimate when the runtime doesn't report one).
func (m *Manager) HandlePaymentSent(
	ctx context.Context,
	id ids.PaymentId,
	hash lntypes.Hash,
	preimage lntypes.Preimage,
	feeMsat *int64,
	nowMs int64,
) error {
	m.mu.Lock()

	existing, found := m.lookup(id)
	if !found || existing.IsFinalized() {
		m.mu.Unlock()
		return errors.New(errors.Discard())
	}
	if lntypes.Hash(sha256.Sum256(preimage[:])) != hash {
		m.mu.Unlock()
		return errors.New(errors.InvalidData())
	}

	finalizedAt := nowMs
	next := *existing
	next.OutboundStatus = OutboundCompleted
	next.FinalizedAtMs = &finalizedAt
	next.Preimage = &preimage
	if feeMsat != nil {
		next.FeeMsat = *feeMsat
	} else if existing.FeeEstimateMsat != nil {
		next.FeeMsat = *existing.FeeEstimateMsat
	}

	if err := m.store.Persist(ctx, &next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, &next)
	m.mu.Unlock()
	return nil
}

// HandlePaymentFailed implements spec §4.4's PaymentFailed row.
func (m *Manager) HandlePaymentFailed(ctx context.Context, id ids.PaymentId, failure lnrpc.Failure_FailureCode, nowMs int64) error {
	m.mu.Lock()

	existing, found := m.lookup(id)
	if !found || existing.IsFinalized() {
		m.mu.Unlock()
		return errors.New(errors.Discard())
	}

	finalizedAt := nowMs
	next := *existing
	next.OutboundStatus = OutboundFailed
	next.FinalizedAtMs = &finalizedAt
	next.OutboundFailure = &failure

	if err := m.store.Persist(ctx, &next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, &next)
	m.mu.Unlock()
	return nil
}
