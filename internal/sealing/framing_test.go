package sealing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		blob := SealedBlob{
			KeyRequest: []byte(rapid.StringN(0, 96, -1).Draw(t, "kr")),
			Ciphertext: []byte(rapid.StringN(0, 256, -1).Draw(t, "ct")),
		}
		got, err := Decode(Encode(blob))
		require.NoError(t, err)
		assert.Equal(t, blob.KeyRequest, got.KeyRequest)
		assert.Equal(t, blob.Ciphertext, got.Ciphertext)
	})
}

func TestDecode_RejectsTrailingBytes(t *testing.T) {
	framed := Encode(SealedBlob{KeyRequest: []byte("kr"), Ciphertext: []byte("ct")})
	framed = append(framed, 0xff)
	_, err := Decode(framed)
	assert.Error(t, err)
}

func TestDecode_RejectsTruncatedFrame(t *testing.T) {
	framed := Encode(SealedBlob{KeyRequest: []byte("kr"), Ciphertext: []byte("ct")})
	_, err := Decode(framed[:len(framed)-2])
	assert.Error(t, err)
}

func TestEncode_ThenSealerRoundTrip(t *testing.T) {
	sealer := newTestSealer(t)
	blob, err := sealer.Seal([]byte("label"), []byte("monitor bytes"))
	require.NoError(t, err)

	framed := Encode(blob)
	decoded, err := Decode(framed)
	require.NoError(t, err)

	plaintext, err := sealer.Unseal(decoded, []byte("label"))
	require.NoError(t, err)
	assert.Equal(t, []byte("monitor bytes"), plaintext)
}
