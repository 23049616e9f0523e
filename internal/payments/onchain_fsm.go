package payments

import (
	"context"

	"meganode/internal/errors"
	"meganode/internal/ids"
)

// ConfStatus is the observed on-chain confirmation state the chain
// watcher reports for a payment's transaction: either the original
// broadcast, or — if a conflicting transaction has been seen in its
// place — a replacement, each carrying its own confirmation count.
// Dropped means the transaction (and any replacement) has left the
// mempool with nothing confirmed.
type ConfStatus struct {
	Confirmations uint32
	Replacement   bool
	Dropped       bool
}

// nextOnchainSendStatus is the pure state-transition function behind
// spec §4.4's onchain send confirmation machine:
// Created -> Broadcasted -> PartiallyConfirmed -> FullyConfirmed, or
// … -> ReplacementBroadcasted -> PartiallyReplaced -> FullyReplaced,
// with Dropped reachable from any pre-confirmed state. It is a no-op
// once current is already finalized, which is what makes repeated
// delivery of the same ConfStatus idempotent.
func nextOnchainSendStatus(current OnchainSendStatus, cs ConfStatus) OnchainSendStatus {
	if current.isFinalized() {
		return current
	}
	if cs.Dropped {
		return OnchainSendDropped
	}
	if cs.Replacement {
		switch {
		case cs.Confirmations >= FullConfirmationMin:
			return OnchainSendFullyReplaced
		case cs.Confirmations >= PartialConfirmationMin:
			return OnchainSendPartiallyReplaced
		default:
			return OnchainSendReplacementBroadcasted
		}
	}
	switch {
	case cs.Confirmations >= FullConfirmationMin:
		return OnchainSendFullyConfirmed
	case cs.Confirmations >= PartialConfirmationMin:
		return OnchainSendPartiallyConfirmed
	default:
		if current == OnchainSendCreated {
			return OnchainSendBroadcasted
		}
		return current
	}
}

// nextOnchainReceiveStatus mirrors nextOnchainSendStatus for receives,
// whose state list has no dedicated "replacement broadcasted" state:
// Zeroconf -> PartiallyConfirmed -> FullyConfirmed, or
// … -> PartiallyReplaced -> FullyReplaced, Dropped from any
// pre-confirmed state.
func nextOnchainReceiveStatus(current OnchainReceiveStatus, cs ConfStatus) OnchainReceiveStatus {
	if current.isFinalized() {
		return current
	}
	if cs.Dropped {
		return OnchainReceiveDropped
	}
	if cs.Replacement {
		if cs.Confirmations >= FullConfirmationMin {
			return OnchainReceiveFullyReplaced
		}
		return OnchainReceivePartiallyReplaced
	}
	switch {
	case cs.Confirmations >= FullConfirmationMin:
		return OnchainReceiveFullyConfirmed
	case cs.Confirmations >= PartialConfirmationMin:
		return OnchainReceivePartiallyConfirmed
	default:
		return current
	}
}

// HandleOnchainSendBroadcast implements spec §4.4's OnchainSendBroadcast
// row: Created -> Broadcasted, recording the broadcast txid.
func (m *Manager) HandleOnchainSendBroadcast(ctx context.Context, id ids.PaymentId, txid ids.LxOutPoint) error {
	m.mu.Lock()

	existing, found := m.lookup(id)
	if !found || existing.IsFinalized() || existing.Kind != KindOnchainSend {
		m.mu.Unlock()
		return errors.New(errors.Discard())
	}
	if existing.OnchainSendStatus != OnchainSendCreated {
		m.mu.Unlock()
		return nil // already broadcast; idempotent re-delivery
	}

	next := *existing
	next.OnchainSendStatus = OnchainSendBroadcasted
	next.Txid = &txid

	if err := m.store.Persist(ctx, &next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, &next)
	m.mu.Unlock()
	return nil
}

// RegisterOnchainReceive creates the pending record for a newly
// detected incoming on-chain payment. Spec §4.4's event table does not
// name a distinct creation event for receives the way PaymentClaimable
// does for Lightning receives; the chain watcher is assumed to call
// this once per newly observed funding-relevant output, with
// subsequent confirmations arriving via HandleOnchainConfStatus.
func (m *Manager) RegisterOnchainReceive(ctx context.Context, txid [32]byte, outpoint ids.LxOutPoint, amountMsat uint64, nowMs int64) error {
	m.mu.Lock()

	id := ids.NewOnchainRecvId(txid)
	if _, found := m.lookup(id); found {
		m.mu.Unlock()
		return nil // already registered; idempotent re-delivery
	}

	next := NewOnchainReceive(txid, outpoint, amountMsat, nowMs)
	if err := m.store.Persist(ctx, next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, next)
	m.mu.Unlock()
	return nil
}

// HandleOnchainConfStatus implements spec §4.4's OnchainConfStatus row,
// dispatching to the send or receive confirmation machine by kind. It
// may yield no state change, in which case nothing is persisted.
func (m *Manager) HandleOnchainConfStatus(ctx context.Context, id ids.PaymentId, cs ConfStatus, nowMs int64) error {
	m.mu.Lock()

	existing, found := m.lookup(id)
	if !found || existing.IsFinalized() {
		m.mu.Unlock()
		return errors.New(errors.Discard())
	}

	next := *existing
	switch existing.Kind {
	case KindOnchainSend:
		next.OnchainSendStatus = nextOnchainSendStatus(existing.OnchainSendStatus, cs)
		if next.OnchainSendStatus == existing.OnchainSendStatus {
			m.mu.Unlock()
			return nil
		}
	case KindOnchainReceive:
		next.OnchainReceiveStatus = nextOnchainReceiveStatus(existing.OnchainReceiveStatus, cs)
		if next.OnchainReceiveStatus == existing.OnchainReceiveStatus {
			m.mu.Unlock()
			return nil
		}
	default:
		m.mu.Unlock()
		return errors.New(errors.InvalidData())
	}

	if next.IsFinalized() {
		finalizedAt := nowMs
		next.FinalizedAtMs = &finalizedAt
	}

	if err := m.store.Persist(ctx, &next); err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.Replay(), err)
	}
	m.commit(id, &next)
	m.mu.Unlock()
	return nil
}
