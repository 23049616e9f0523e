// Package paymentdb implements the client-side payment projection of
// spec §4.3: an append-ordered payment log plus three bitmap-indexed
// views supporting "scroll index" random access for the UI. Bitmap
// Rank and Select walk the set bits, and the finalized view walks the
// log backward, so a lookup takes time linear in the number of
// payments, not constant time.
package paymentdb

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"meganode/internal/errors"
	"meganode/internal/ids"
	"meganode/internal/payments"
)

// View names the scroll-index projections get_by_scroll_idx supports.
type View uint8

const (
	ViewAll View = iota
	ViewPending
	ViewPendingNotJunk
	ViewFinalized
	ViewFinalizedNotJunk
)

// DB is the client-side payment projection: payments sorted strictly
// ascending by (created_at, id), plus the pending, pending_not_junk
// and finalized_not_junk bitmap indexes.
type DB struct {
	mu sync.Mutex

	store Storage

	payments []*payments.Payment
	indexPos map[string]int // PaymentIndex.String() -> position in payments

	pending          *Bitmap
	pendingNotJunk   *Bitmap
	finalizedNotJunk *Bitmap
}

// New builds an empty DB backed by store. Call Load to populate it
// from storage at startup.
func New(store Storage) *DB {
	return &DB{
		store:            store,
		indexPos:         make(map[string]int),
		pending:          NewBitmap(),
		pendingNotJunk:   NewBitmap(),
		finalizedNotJunk: NewBitmap(),
	}
}

// Load implements spec §4.3's startup procedure: read every payment
// from storage, sort by index, dedup by index, and rebuild the three
// bitmaps from scratch.
func (db *DB) Load() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	loaded, err := db.store.LoadAll()
	if err != nil {
		return fmt.Errorf("paymentdb: load: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Index().Less(loaded[j].Index()) })

	deduped := loaded[:0]
	var lastIdx string
	haveLast := false
	for _, p := range loaded {
		idx := p.Index().String()
		if haveLast && idx == lastIdx {
			continue
		}
		lastIdx = idx
		haveLast = true
		deduped = append(deduped, p)
	}

	db.payments = deduped
	db.indexPos = make(map[string]int, len(deduped))
	for i, p := range deduped {
		db.indexPos[p.Index().String()] = i
	}
	db.rebuildBitmaps()
	return nil
}

func (db *DB) rebuildBitmaps() {
	db.pending = NewBitmap()
	db.pendingNotJunk = NewBitmap()
	db.finalizedNotJunk = NewBitmap()
	for i, p := range db.payments {
		db.setInitialMembership(uint(i), p)
	}
}

func (db *DB) setInitialMembership(i uint, p *payments.Payment) {
	if !p.IsFinalized() {
		db.pending.Set(i)
		if !p.IsJunk() {
			db.pendingNotJunk.Set(i)
		}
		return
	}
	if !p.IsJunk() {
		db.finalizedNotJunk.Set(i)
	}
}

// InsertNew implements spec §4.3's insert_new: batch must be strictly
// increasing by index, and its first element's index must be greater
// than the DB's current latest index. Violations return InvalidData
// and leave the DB unchanged.
func (db *DB) InsertNew(batch []*payments.Payment) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	for i := 1; i < len(batch); i++ {
		if !batch[i-1].Index().Less(batch[i].Index()) {
			return errors.New(errors.InvalidData())
		}
	}
	if len(db.payments) > 0 {
		latest := db.payments[len(db.payments)-1].Index()
		if !latest.Less(batch[0].Index()) {
			return errors.New(errors.InvalidData())
		}
	}
	for _, p := range batch {
		if _, dup := db.indexPos[p.Index().String()]; dup {
			return errors.New(errors.InvalidData())
		}
	}

	for _, p := range batch {
		if err := db.store.Save(p); err != nil {
			return fmt.Errorf("paymentdb: persist %s: %w", p.Id, err)
		}
		i := uint(len(db.payments))
		db.payments = append(db.payments, p)
		db.indexPos[p.Index().String()] = int(i)
		db.setInitialMembership(i, p)
	}
	return nil
}

// UpdatePending implements spec §4.3's update_pending: each entry
// refers to an existing pending payment by index. Equal-to-existing
// entries are skipped; otherwise the payment is rewritten on disk and
// bitmap membership is reconciled according to the three documented
// transitions, each asserting its expected prior membership.
func (db *DB) UpdatePending(batch []*payments.Payment) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, updated := range batch {
		if err := db.applyUpdatePending(updated); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyUpdatePending(updated *payments.Payment) error {
	pos, ok := db.indexPos[updated.Index().String()]
	if !ok {
		return fmt.Errorf("paymentdb: update_pending: %s not found", updated.Id)
	}
	existing := db.payments[pos]
	if reflect.DeepEqual(existing, updated) {
		return nil
	}

	i := uint(pos)
	wasPending := db.pending.Contains(i)
	wasPendingNotJunk := db.pendingNotJunk.Contains(i)
	wasFinalizedNotJunk := db.finalizedNotJunk.Contains(i)

	if err := db.store.Save(updated); err != nil {
		return fmt.Errorf("paymentdb: persist %s: %w", updated.Id, err)
	}
	db.payments[pos] = updated

	nowFinalized := updated.IsFinalized()
	nowJunk := updated.IsJunk()

	if nowFinalized {
		if !wasPending {
			return errors.Wrap(errors.Corruption(), fmt.Errorf("paymentdb: %s: expected prior pending membership", updated.Id))
		}
		db.pending.Clear(i)
	}
	if (nowFinalized || nowJunk) && wasPendingNotJunk {
		db.pendingNotJunk.Clear(i)
	}
	if nowFinalized && !nowJunk {
		if wasFinalizedNotJunk {
			return errors.Wrap(errors.Corruption(), fmt.Errorf("paymentdb: %s: expected prior ¬finalized_not_junk membership", updated.Id))
		}
		db.finalizedNotJunk.Set(i)
	}

	return nil
}

// UpdateNote implements spec §4.3's update_note: locate the payment,
// mutate its note, rewrite its file. A note can flip a pending inbound
// invoice's junk status, so pending_not_junk membership is reconciled.
func (db *DB) UpdateNote(index ids.PaymentIndex, note string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	pos, ok := db.indexPos[index.String()]
	if !ok {
		return fmt.Errorf("paymentdb: update_note: %s not found", index)
	}
	p := db.payments[pos]
	p.Note = note
	if err := db.store.Save(p); err != nil {
		return fmt.Errorf("paymentdb: persist %s: %w", p.Id, err)
	}

	i := uint(pos)
	if !p.IsFinalized() {
		if p.IsJunk() {
			db.pendingNotJunk.Clear(i)
		} else {
			db.pendingNotJunk.Set(i)
		}
	}
	return nil
}

// UpdatedSince implements spec §6's "payments/updated?since_idx=" poll:
// every payment whose index is strictly greater than since, oldest
// first, so a caller can page forward by re-requesting with the last
// index it saw.
func (db *DB) UpdatedSince(since ids.PaymentIndex) []*payments.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()

	pos := sort.Search(len(db.payments), func(i int) bool {
		return since.Less(db.payments[i].Index())
	})
	out := make([]*payments.Payment, len(db.payments)-pos)
	copy(out, db.payments[pos:])
	return out
}

// Len returns the number of payments in the DB.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.payments)
}
