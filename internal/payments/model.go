// Package payments implements the payment lifecycle subsystem: the
// tagged-variant Payment entity (this file), and the locked manager
// that mutates it in response to Lightning/on-chain events
// (manager.go, events.go, onchain_fsm.go).
package payments

import (
	"crypto/sha256"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"

	"meganode/internal/ids"
)

// Kind tags which of the eight payment variants a Payment carries.
// Several kinds share the same ids.PaymentKind tag (all Lightning-hash
// keyed variants use "ln"); Kind is the finer-grained discriminant the
// manager and client projection need on top of that.
type Kind uint8

const (
	KindOnchainSend Kind = iota
	KindOnchainReceive
	KindInboundInvoice
	KindInboundOfferReusable
	KindInboundSpontaneous
	KindOutboundInvoice
	KindOutboundOffer
	KindOutboundSpontaneous
)

func (k Kind) String() string {
	switch k {
	case KindOnchainSend:
		return "onchain_send"
	case KindOnchainReceive:
		return "onchain_receive"
	case KindInboundInvoice:
		return "inbound_invoice"
	case KindInboundOfferReusable:
		return "inbound_offer_reusable"
	case KindInboundSpontaneous:
		return "inbound_spontaneous"
	case KindOutboundInvoice:
		return "outbound_invoice"
	case KindOutboundOffer:
		return "outbound_offer"
	case KindOutboundSpontaneous:
		return "outbound_spontaneous"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) isInbound() bool {
	switch k {
	case KindInboundInvoice, KindInboundOfferReusable, KindInboundSpontaneous:
		return true
	default:
		return false
	}
}

func (k Kind) isOutbound() bool {
	switch k {
	case KindOutboundInvoice, KindOutboundOffer, KindOutboundSpontaneous:
		return true
	default:
		return false
	}
}

// OnchainSendStatus is the confirmation state machine for an outbound
// onchain payment; see spec §4.4's onchain confirmation state machine.
type OnchainSendStatus uint8

const (
	OnchainSendCreated OnchainSendStatus = iota
	OnchainSendBroadcasted
	OnchainSendPartiallyConfirmed
	OnchainSendFullyConfirmed // terminal: Completed
	OnchainSendReplacementBroadcasted
	OnchainSendPartiallyReplaced
	OnchainSendFullyReplaced // terminal: Failed
	OnchainSendDropped       // terminal: Failed
)

func (s OnchainSendStatus) isFinalized() bool {
	switch s {
	case OnchainSendFullyConfirmed, OnchainSendFullyReplaced, OnchainSendDropped:
		return true
	default:
		return false
	}
}

func (s OnchainSendStatus) isFailed() bool {
	return s == OnchainSendFullyReplaced || s == OnchainSendDropped
}

// OnchainReceiveStatus is the confirmation state machine for an inbound
// onchain payment.
type OnchainReceiveStatus uint8

const (
	OnchainReceiveZeroconf OnchainReceiveStatus = iota
	OnchainReceivePartiallyConfirmed
	OnchainReceiveFullyConfirmed // terminal: Completed
	OnchainReceivePartiallyReplaced
	OnchainReceiveFullyReplaced // terminal: Failed
	OnchainReceiveDropped       // terminal: Failed
)

func (s OnchainReceiveStatus) isFinalized() bool {
	switch s {
	case OnchainReceiveFullyConfirmed, OnchainReceiveFullyReplaced, OnchainReceiveDropped:
		return true
	default:
		return false
	}
}

func (s OnchainReceiveStatus) isFailed() bool {
	return s == OnchainReceiveFullyReplaced || s == OnchainReceiveDropped
}

// Confirmation thresholds per spec §4.4: 1..=5 confs is partial, >=6 is full.
const (
	PartialConfirmationMin = 1
	PartialConfirmationMax = 5
	FullConfirmationMin    = 6
)

// InboundStatus is the claim state machine shared by the three
// Lightning-receive variants (invoice, reusable offer, spontaneous).
type InboundStatus uint8

const (
	InboundClaiming InboundStatus = iota
	InboundCompleted               // terminal
)

func (s InboundStatus) isFinalized() bool { return s == InboundCompleted }

// OutboundStatus is the send state machine shared by the three
// Lightning-send variants (invoice, offer, spontaneous).
type OutboundStatus uint8

const (
	OutboundPending OutboundStatus = iota
	OutboundAbandoning
	OutboundCompleted // terminal
	OutboundFailed    // terminal
)

func (s OutboundStatus) isFinalized() bool {
	return s == OutboundCompleted || s == OutboundFailed
}

// Payment is the tagged sum described in spec §3. Only the fields
// relevant to Kind are meaningful; the others are zero. A single
// struct (rather than an interface per variant) keeps dispatch an
// exhaustive switch on Kind instead of virtual calls.
type Payment struct {
	Kind Kind
	Id   ids.PaymentId

	// AmountMsat is nil only for a pending InboundInvoice whose amount
	// is not yet known (spec §3: "for inbound invoice pending, amount
	// MAY be None").
	AmountMsat *uint64

	// FeeMsat is signed by direction: positive for amounts paid out
	// (outbound routing fee, onchain miner fee), zero for inbound
	// payments that carry no fee to the recipient.
	FeeMsat int64
	// FeeEstimateMsat holds a provisional fee before the actual fee is
	// known (onchain sends between broadcast and confirmation); see
	// SPEC_FULL's fee-estimate-fallback supplement.
	FeeEstimateMsat *int64

	Note        string
	Description string

	CreatedAtMs   int64
	ExpiresAtMs   *int64
	FinalizedAtMs *int64

	// Lightning-keyed variants.
	Hash     lntypes.Hash
	Preimage *lntypes.Preimage
	ClaimId  [32]byte // only meaningful for InboundOfferReusable

	// Onchain-keyed variants.
	Txid *ids.LxOutPoint

	OnchainSendStatus    OnchainSendStatus
	OnchainReceiveStatus OnchainReceiveStatus
	InboundStatus        InboundStatus
	OutboundStatus       OutboundStatus

	// OutboundFailure is populated only when OutboundStatus ==
	// OutboundFailed. lnrpc's failure-code enum already carries an
	// UNKNOWN_FAILURE forward-compat member, so it doubles as the
	// taxonomy's Unknown(code) variant for this one field.
	OutboundFailure *lnrpc.Failure_FailureCode
}

// Index derives the PaymentIndex the client projection sorts and keys
// storage files by.
func (p *Payment) Index() ids.PaymentIndex {
	return ids.PaymentIndex{CreatedAtMs: p.CreatedAtMs, Id: p.Id}
}

// IsFinalized reports whether status has reached Completed or Failed,
// per spec §3's invariant `status ∈ {Completed, Failed} ⇒ finalized_at = Some(t)`.
func (p *Payment) IsFinalized() bool {
	switch p.Kind {
	case KindOnchainSend:
		return p.OnchainSendStatus.isFinalized()
	case KindOnchainReceive:
		return p.OnchainReceiveStatus.isFinalized()
	case KindInboundInvoice, KindInboundOfferReusable, KindInboundSpontaneous:
		return p.InboundStatus.isFinalized()
	case KindOutboundInvoice, KindOutboundOffer, KindOutboundSpontaneous:
		return p.OutboundStatus.isFinalized()
	default:
		panic(fmt.Sprintf("payments: unknown Kind %v", p.Kind))
	}
}

// IsFailed reports whether the finalized payment's terminal state is a
// failure rather than a completion. Panics if called on a payment that
// is not finalized.
func (p *Payment) IsFailed() bool {
	if !p.IsFinalized() {
		panic("payments: IsFailed called on a non-finalized payment")
	}
	switch p.Kind {
	case KindOnchainSend:
		return p.OnchainSendStatus.isFailed()
	case KindOnchainReceive:
		return p.OnchainReceiveStatus.isFailed()
	case KindInboundInvoice, KindInboundOfferReusable, KindInboundSpontaneous:
		return false // inbound has no failed terminal state
	case KindOutboundInvoice, KindOutboundOffer, KindOutboundSpontaneous:
		return p.OutboundStatus == OutboundFailed
	default:
		panic(fmt.Sprintf("payments: unknown Kind %v", p.Kind))
	}
}

// IsJunk implements spec §4.3's junk predicate: an inbound invoice that
// is not Completed, whose amount is unknown AND which has neither a
// note nor a description.
func (p *Payment) IsJunk() bool {
	if p.Kind != KindInboundInvoice {
		return false
	}
	if p.InboundStatus == InboundCompleted {
		return false
	}
	return p.AmountMsat == nil && p.Note == "" && p.Description == ""
}

// Validate checks the invariants spec §3 requires to hold across every
// commit. It does not mutate p.
func (p *Payment) Validate() error {
	finalized := p.IsFinalized()
	if finalized {
		if p.FinalizedAtMs == nil {
			return fmt.Errorf("payments: %s is finalized but FinalizedAtMs is nil", p.Id)
		}
		if *p.FinalizedAtMs < p.CreatedAtMs {
			return fmt.Errorf("payments: %s finalized_at %d precedes created_at %d", p.Id, *p.FinalizedAtMs, p.CreatedAtMs)
		}
	} else if p.FinalizedAtMs != nil {
		return fmt.Errorf("payments: %s is not finalized but FinalizedAtMs is set", p.Id)
	}

	if p.AmountMsat == nil && (p.Kind != KindInboundInvoice || finalized) {
		return fmt.Errorf("payments: %s has no amount but is not a pending inbound invoice", p.Id)
	}

	isOutboundLn := p.Kind == KindOutboundInvoice || p.Kind == KindOutboundOffer
	if isOutboundLn && p.Preimage != nil {
		got := sha256.Sum256(p.Preimage[:])
		if lntypes.Hash(got) != p.Hash {
			return fmt.Errorf("payments: %s preimage does not hash to the payment's hash", p.Id)
		}
	}

	return nil
}

// NewOnchainSend constructs a pending outbound onchain payment.
func NewOnchainSend(cid [32]byte, amountMsat uint64, feeEstimateMsat int64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:             KindOnchainSend,
		Id:               ids.NewOnchainSendId(cid),
		AmountMsat:       &amountMsat,
		FeeEstimateMsat:  &feeEstimateMsat,
		CreatedAtMs:      createdAtMs,
		OnchainSendStatus: OnchainSendCreated,
	}
}

// NewOnchainReceive constructs a pending inbound onchain payment keyed
// by the funding outpoint's txid.
func NewOnchainReceive(txid [32]byte, outpoint ids.LxOutPoint, amountMsat uint64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:                 KindOnchainReceive,
		Id:                   ids.NewOnchainRecvId(txid),
		Txid:                 &outpoint,
		AmountMsat:           &amountMsat,
		CreatedAtMs:          createdAtMs,
		OnchainReceiveStatus: OnchainReceiveZeroconf,
	}
}

// NewInboundInvoice constructs a payment newly observed via
// PaymentClaimable for a BOLT11 invoice, per spec §4.4's "Create
// inbound record if new" transition. amountMsat is nil when the
// invoice amount is not yet resolved.
func NewInboundInvoice(hash lntypes.Hash, amountMsat *uint64, description string, expiresAtMs *int64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:          KindInboundInvoice,
		Id:            ids.NewLightningId(hash),
		AmountMsat:    amountMsat,
		Description:   description,
		ExpiresAtMs:   expiresAtMs,
		CreatedAtMs:   createdAtMs,
		InboundStatus: InboundClaiming,
	}
}

// NewInboundOfferReusable constructs a payment for a reusable BOLT12
// offer receive, keyed by its claim id.
func NewInboundOfferReusable(hash lntypes.Hash, claimId [32]byte, amountMsat uint64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:          KindInboundOfferReusable,
		Id:            ids.NewOfferRecvReusableId(claimId),
		Hash:          hash,
		ClaimId:       claimId,
		AmountMsat:    &amountMsat,
		CreatedAtMs:   createdAtMs,
		InboundStatus: InboundClaiming,
	}
}

// NewInboundSpontaneous constructs a payment for a keysend-style
// spontaneous receive, keyed by its payment hash.
func NewInboundSpontaneous(hash lntypes.Hash, amountMsat uint64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:          KindInboundSpontaneous,
		Id:            ids.NewLightningId(hash),
		Hash:          hash,
		AmountMsat:    &amountMsat,
		CreatedAtMs:   createdAtMs,
		InboundStatus: InboundClaiming,
	}
}

// NewOutboundInvoice constructs a pending outbound BOLT11 payment.
func NewOutboundInvoice(hash lntypes.Hash, amountMsat uint64, expiresAtMs *int64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:           KindOutboundInvoice,
		Id:             ids.NewLightningId(hash),
		Hash:           hash,
		AmountMsat:     &amountMsat,
		ExpiresAtMs:    expiresAtMs,
		CreatedAtMs:    createdAtMs,
		OutboundStatus: OutboundPending,
	}
}

// NewOutboundOffer constructs a pending outbound BOLT12 offer payment,
// keyed by a caller-chosen client payment id.
func NewOutboundOffer(cid [32]byte, hash lntypes.Hash, amountMsat uint64, expiresAtMs *int64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:           KindOutboundOffer,
		Id:             ids.NewOfferSendId(cid),
		Hash:           hash,
		AmountMsat:     &amountMsat,
		ExpiresAtMs:    expiresAtMs,
		CreatedAtMs:    createdAtMs,
		OutboundStatus: OutboundPending,
	}
}

// NewOutboundSpontaneous constructs a pending outbound keysend payment.
func NewOutboundSpontaneous(hash lntypes.Hash, amountMsat uint64, createdAtMs int64) *Payment {
	return &Payment{
		Kind:           KindOutboundSpontaneous,
		Id:             ids.NewLightningId(hash),
		Hash:           hash,
		AmountMsat:     &amountMsat,
		CreatedAtMs:    createdAtMs,
		OutboundStatus: OutboundPending,
	}
}
