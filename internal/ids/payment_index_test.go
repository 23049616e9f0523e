package ids

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genPaymentIndex(t *rapid.T) PaymentIndex {
	return PaymentIndex{
		CreatedAtMs: rapid.Int64Range(0, 1<<62).Draw(t, "created_at_ms"),
		Id:          genPaymentId(t),
	}
}

func TestPaymentIndex_StringOrderMatchesCompare(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genPaymentIndex(t)
		b := genPaymentIndex(t)

		assert.Equal(t, sign(a.Compare(b)), sign(strings.Compare(a.String(), b.String())))
	})
}

func TestPaymentIndex_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := genPaymentIndex(t)
		parsed, err := ParsePaymentIndex(a.String())
		require.NoError(t, err)
		assert.Equal(t, a.CreatedAtMs, parsed.CreatedAtMs)
		assert.True(t, a.Id.Equal(parsed.Id))
	})
}

func TestPaymentIndex_ZeroPadNeverOverflowsInt64Max(t *testing.T) {
	idx := PaymentIndex{CreatedAtMs: 9223372036854775807, Id: NewLightningId([32]byte{})}
	s := idx.String()
	assert.Len(t, strings.SplitN(s, "-", 2)[0], createdAtWidth)
}
