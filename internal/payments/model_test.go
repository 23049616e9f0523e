package payments

import (
	"crypto/sha256"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"meganode/internal/ids"
)

func TestOutboundInvoice_Validate_PreimageMustMatchHash(t *testing.T) {
	preimage := lntypes.Preimage{1, 2, 3}
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	p := NewOutboundInvoice(hash, 1000, nil, 1000)
	p.Preimage = &preimage
	p.OutboundStatus = OutboundCompleted
	finalizedAt := p.CreatedAtMs + 1
	p.FinalizedAtMs = &finalizedAt
	require.NoError(t, p.Validate())

	wrongPreimage := lntypes.Preimage{9, 9, 9}
	p.Preimage = &wrongPreimage
	assert.Error(t, p.Validate())
}

func TestPayment_Validate_FinalizedAtRequiredOnlyWhenFinalized(t *testing.T) {
	p := NewOnchainSend([32]byte{1}, 5000, 100, 1000)
	require.NoError(t, p.Validate())

	finalizedAt := int64(1500)
	p.FinalizedAtMs = &finalizedAt
	assert.Error(t, p.Validate(), "pending payment must not carry finalized_at")

	p.OnchainSendStatus = OnchainSendFullyConfirmed
	require.NoError(t, p.Validate())

	tooEarly := int64(500)
	p.FinalizedAtMs = &tooEarly
	assert.Error(t, p.Validate(), "finalized_at must be >= created_at")
}

func TestPayment_Validate_AmountRequiredExceptPendingInboundInvoice(t *testing.T) {
	p := NewInboundInvoice(lntypes.Hash{1}, nil, "", nil, 1000)
	require.NoError(t, p.Validate(), "pending inbound invoice may omit amount")

	p2 := NewInboundSpontaneous(lntypes.Hash{1}, 1000, 1000)
	p2.AmountMsat = nil
	assert.Error(t, p2.Validate(), "non-invoice variants always require an amount")
}

func TestPayment_IsJunk(t *testing.T) {
	pending := NewInboundInvoice(lntypes.Hash{1}, nil, "", nil, 1000)
	assert.True(t, pending.IsJunk(), "no amount and no note/description is junk")

	withNote := NewInboundInvoice(lntypes.Hash{1}, nil, "", nil, 1000)
	withNote.Note = "thanks!"
	assert.False(t, withNote.IsJunk())

	withDescription := NewInboundInvoice(lntypes.Hash{1}, nil, "coffee", nil, 1000)
	assert.False(t, withDescription.IsJunk())

	amt := uint64(1000)
	withAmount := &Payment{Kind: KindInboundInvoice, Id: ids.NewLightningId(lntypes.Hash{1}), AmountMsat: &amt}
	assert.False(t, withAmount.IsJunk())

	completed := NewInboundInvoice(lntypes.Hash{1}, nil, "", nil, 1000)
	completed.InboundStatus = InboundCompleted
	finalizedAt := int64(1500)
	completed.FinalizedAtMs = &finalizedAt
	assert.False(t, completed.IsJunk(), "completed payments are never junk")

	notInvoice := NewInboundSpontaneous(lntypes.Hash{1}, 1000, 1000)
	assert.False(t, notInvoice.IsJunk(), "junk only applies to inbound invoices")
}

func TestPayment_IsFinalized_PerKind(t *testing.T) {
	onchainSend := NewOnchainSend([32]byte{1}, 1000, 10, 1000)
	assert.False(t, onchainSend.IsFinalized())
	onchainSend.OnchainSendStatus = OnchainSendFullyReplaced
	assert.True(t, onchainSend.IsFinalized())
	assert.True(t, onchainSend.IsFailed())

	outbound := NewOutboundSpontaneous(lntypes.Hash{1}, 1000, 1000)
	assert.False(t, outbound.IsFinalized())
	outbound.OutboundStatus = OutboundAbandoning
	assert.False(t, outbound.IsFinalized(), "abandoning is still pending for status purposes")
	outbound.OutboundStatus = OutboundFailed
	assert.True(t, outbound.IsFinalized())
}

// genValidPayment builds a structurally valid Payment across all eight
// kinds, exercising Validate as a property rather than only example cases.
func genValidPayment(t *rapid.T) *Payment {
	createdAt := rapid.Int64Range(0, 1<<40).Draw(t, "created_at_ms")
	amount := rapid.Uint64Range(0, 1<<40).Draw(t, "amount_msat")
	var hash lntypes.Hash
	b := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "hash")
	copy(hash[:], b)

	kind := rapid.IntRange(0, 7).Draw(t, "kind")
	switch kind {
	case 0:
		var cid [32]byte
		copy(cid[:], b)
		return NewOnchainSend(cid, amount, 10, createdAt)
	case 1:
		var txid [32]byte
		copy(txid[:], b)
		return NewOnchainReceive(txid, ids.LxOutPoint{}, amount, createdAt)
	case 2:
		return NewInboundInvoice(hash, &amount, "desc", nil, createdAt)
	case 3:
		var claimId [32]byte
		copy(claimId[:], b)
		return NewInboundOfferReusable(hash, claimId, amount, createdAt)
	case 4:
		return NewInboundSpontaneous(hash, amount, createdAt)
	case 5:
		return NewOutboundInvoice(hash, amount, nil, createdAt)
	case 6:
		var cid [32]byte
		copy(cid[:], b)
		return NewOutboundOffer(cid, hash, amount, nil, createdAt)
	default:
		return NewOutboundSpontaneous(hash, amount, createdAt)
	}
}

func TestPayment_FreshlyConstructed_AlwaysValidates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := genValidPayment(t)
		assert.NoError(t, p.Validate())
		assert.False(t, p.IsFinalized(), "freshly constructed payments are always pending")
	})
}
