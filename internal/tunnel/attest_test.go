package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCertDER(t *testing.T) []byte {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-enclave"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	require.NoError(t, err)
	return der
}

func TestPinnedVerifyFunc_AcceptsExpectedMeasurement(t *testing.T) {
	der := selfSignedCertDER(t)
	expected := Measurement(sha256.Sum256(der))

	verify := pinnedVerifyFunc(expected)
	assert.NoError(t, verify([][]byte{der}, nil))
}

func TestPinnedVerifyFunc_RejectsWrongMeasurement(t *testing.T) {
	der := selfSignedCertDER(t)
	var wrong Measurement
	copy(wrong[:], "not the right digest at all......")

	verify := pinnedVerifyFunc(wrong)
	assert.Error(t, verify([][]byte{der}, nil))
}

func TestPinnedVerifyFunc_RejectsEmptyChain(t *testing.T) {
	verify := pinnedVerifyFunc(Measurement{})
	assert.Error(t, verify(nil, nil))
}

func TestProvisioningTLSConfig_SkipsBuiltinVerificationInFavorOfPin(t *testing.T) {
	cfg := ProvisioningTLSConfig(Measurement{})
	assert.True(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.VerifyPeerCertificate)
}
