package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// LxOutPoint is the canonical key for a channel monitor: the funding
// transaction's outpoint. Monitor filenames and dual-write backend
// keys are exactly this type's String().
type LxOutPoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// FromWire adapts a btcd wire.OutPoint, which is what the chain backend
// hands back when a funding transaction confirms.
func FromWire(op wire.OutPoint) LxOutPoint {
	return LxOutPoint{Txid: op.Hash, Vout: op.Index}
}

// Wire converts back to the btcd representation for chain-backend calls.
func (o LxOutPoint) Wire() wire.OutPoint {
	return wire.OutPoint{Hash: o.Txid, Index: o.Vout}
}

// String returns the canonical "txid:vout" form used as the storage key.
func (o LxOutPoint) String() string {
	return o.Txid.String() + ":" + strconv.FormatUint(uint64(o.Vout), 10)
}

// ParseLxOutPoint parses the "txid:vout" form produced by String.
func ParseLxOutPoint(s string) (LxOutPoint, error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return LxOutPoint{}, fmt.Errorf("ids: malformed outpoint %q: missing ':'", s)
	}
	txidPart, voutPart := s[:colon], s[colon+1:]
	txid, err := chainhash.NewHashFromStr(txidPart)
	if err != nil {
		return LxOutPoint{}, fmt.Errorf("ids: malformed outpoint %q: %w", s, err)
	}
	vout, err := strconv.ParseUint(voutPart, 10, 32)
	if err != nil {
		return LxOutPoint{}, fmt.Errorf("ids: malformed outpoint %q: %w", s, err)
	}
	return LxOutPoint{Txid: *txid, Vout: uint32(vout)}, nil
}
