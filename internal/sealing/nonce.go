package sealing

import "sync/atomic"

// NonceSequence yields its nonce exactly once and panics on any further
// use. Spec §4.6 requires this: every sealing key must never encrypt
// more than one message under the same nonce.
type NonceSequence struct {
	nonce []byte
	used  atomic.Bool
}

// NewNonceSequence wraps a nonce. The caller must not reuse the nonce
// bytes outside the returned sequence.
func NewNonceSequence(nonce []byte) *NonceSequence {
	cp := make([]byte, len(nonce))
	copy(cp, nonce)
	return &NonceSequence{nonce: cp}
}

// Advance returns the sequence's nonce. Panics if called more than once.
func (n *NonceSequence) Advance() []byte {
	if !n.used.CompareAndSwap(false, true) {
		panic("sealing: NonceSequence advanced more than once")
	}
	return n.nonce
}
