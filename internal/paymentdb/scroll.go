package paymentdb

import (
	"fmt"

	"meganode/internal/payments"
)

// GetByScrollIdx implements spec §4.3's get_by_scroll_idx: returns the
// k-th newest payment of view (0 is newest), or false if k is out of
// range for that view.
func (db *DB) GetByScrollIdx(view View, k uint) (*payments.Payment, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := uint(len(db.payments))
	if n == 0 || k >= n {
		return nil, false
	}

	switch view {
	case ViewAll:
		return db.payments[n-k-1], true
	case ViewPending:
		return db.selectFromEnd(db.pending, k)
	case ViewPendingNotJunk:
		return db.selectFromEnd(db.pendingNotJunk, k)
	case ViewFinalizedNotJunk:
		return db.selectFromEnd(db.finalizedNotJunk, k)
	case ViewFinalized:
		return db.getFinalizedByScrollIdx(n, k)
	default:
		panic(fmt.Sprintf("paymentdb: unknown view %d", view))
	}
}

// selectFromEnd returns the k-th newest (reverse-rank k) member of bm.
func (db *DB) selectFromEnd(bm *Bitmap, k uint) (*payments.Payment, bool) {
	total := bm.Len()
	if k >= total {
		return nil, false
	}
	pos, ok := bm.Select(total - k - 1)
	if !ok {
		return nil, false
	}
	return db.payments[pos], true
}

// getFinalizedByScrollIdx implements spec §4.3's skip-count trick for
// the "finalized" view, which has no dedicated bitmap: rank against the
// pending bitmap to work out how many pending payments sit above
// rev_idx (newer than it), then walk backward from rev_idx skipping
// that many finalized entries.
func (db *DB) getFinalizedByScrollIdx(n, k uint) (*payments.Payment, bool) {
	revIdx := n - k - 1
	numPendingAtOrBelow := db.pending.Rank(revIdx + 1)
	numPendingAbove := db.pending.Len() - numPendingAtOrBelow

	skip := numPendingAbove
	for i := int(revIdx); i >= 0; i-- {
		p := db.payments[i]
		if !p.IsFinalized() {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		return p, true
	}
	return nil, false
}
