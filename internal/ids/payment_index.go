package ids

import (
	"fmt"
	"strconv"
	"strings"
)

// createdAtWidth is the zero-pad width for the created_at_ms component
// of a PaymentIndex's canonical string. i64 max (9223372036854775807)
// is 19 digits, so 19 is the minimum width that never overflows while
// keeping string order equal to numeric order.
const createdAtWidth = 19

// PaymentIndex orders payments for the client projection's scroll
// views: primarily by creation time, with the PaymentId as a
// tie-breaker so two payments created in the same millisecond still
// have a total order.
type PaymentIndex struct {
	CreatedAtMs int64
	Id          PaymentId
}

// String returns the canonical "<created_at zero-padded to 19
// digits>-<id>" form. Negative CreatedAtMs is not supported (payment
// timestamps are always Unix-epoch milliseconds, hence non-negative)
// and panics rather than producing an ambiguous string.
func (idx PaymentIndex) String() string {
	if idx.CreatedAtMs < 0 {
		panic(fmt.Sprintf("ids: PaymentIndex.CreatedAtMs must be non-negative, got %d", idx.CreatedAtMs))
	}
	return fmt.Sprintf("%0*d-%s", createdAtWidth, idx.CreatedAtMs, idx.Id.String())
}

// ParsePaymentIndex parses the canonical form produced by String.
func ParsePaymentIndex(s string) (PaymentIndex, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return PaymentIndex{}, fmt.Errorf("ids: malformed payment index %q: missing separator", s)
	}
	tsPart, idPart := s[:dash], s[dash+1:]
	if len(tsPart) != createdAtWidth {
		return PaymentIndex{}, fmt.Errorf("ids: malformed payment index %q: timestamp width %d, want %d", s, len(tsPart), createdAtWidth)
	}
	createdAt, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return PaymentIndex{}, fmt.Errorf("ids: malformed payment index %q: %w", s, err)
	}
	id, err := ParsePaymentId(idPart)
	if err != nil {
		return PaymentIndex{}, fmt.Errorf("ids: malformed payment index %q: %w", s, err)
	}
	return PaymentIndex{CreatedAtMs: createdAt, Id: id}, nil
}

// Compare orders two PaymentIndexes lexicographically on (CreatedAtMs, Id).
// It MUST agree with String's lexicographic order.
func (idx PaymentIndex) Compare(other PaymentIndex) int {
	if idx.CreatedAtMs != other.CreatedAtMs {
		if idx.CreatedAtMs < other.CreatedAtMs {
			return -1
		}
		return 1
	}
	return idx.Id.Compare(other.Id)
}

// Less reports whether idx sorts strictly before other; convenient for sort.Slice.
func (idx PaymentIndex) Less(other PaymentIndex) bool {
	return idx.Compare(other) < 0
}
