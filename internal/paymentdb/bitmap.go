package paymentdb

import "github.com/bits-and-blooms/bitset"

// Bitmap is a thin Rank/Select wrapper over bits-and-blooms/bitset. It
// trades the spec's aspirational O(log n) ranked access for a
// straightforward O(rank) walk over NextSet, which the spec's own
// design notes call an acceptable substitute for a BTreeSet-based
// index; see DESIGN.md.
type Bitmap struct {
	bits *bitset.BitSet
}

// NewBitmap returns an empty bitmap.
func NewBitmap() *Bitmap {
	return &Bitmap{bits: bitset.New(0)}
}

// Contains reports whether position i is a member.
func (b *Bitmap) Contains(i uint) bool { return b.bits.Test(i) }

// Set adds i to the bitmap, extending its backing storage if needed.
func (b *Bitmap) Set(i uint) { b.bits.Set(i) }

// Clear removes i from the bitmap.
func (b *Bitmap) Clear(i uint) { b.bits.Clear(i) }

// Len returns the number of set bits.
func (b *Bitmap) Len() uint { return b.bits.Count() }

// Rank returns the number of set bits at positions strictly less than i.
func (b *Bitmap) Rank(i uint) uint {
	var rank uint
	idx, ok := b.bits.NextSet(0)
	for ok && idx < i {
		rank++
		idx, ok = b.bits.NextSet(idx + 1)
	}
	return rank
}

// Select returns the position of the k-th set bit (0-based ascending),
// or false if the bitmap has fewer than k+1 members.
func (b *Bitmap) Select(k uint) (uint, bool) {
	idx, ok := b.bits.NextSet(0)
	for i := uint(0); ok; i++ {
		if i == k {
			return idx, true
		}
		idx, ok = b.bits.NextSet(idx + 1)
	}
	return 0, false
}
