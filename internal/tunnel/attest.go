package tunnel

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"

	merrors "meganode/internal/errors"
)

// Measurement is the 32-byte pin for provisioning traffic's inner-TLS
// server identity (spec §4.7's "Inner layer" paragraph). pinnedVerifyFunc
// compares it with the SHA-256 digest of the server's leaf certificate
// DER bytes; the certificate is not parsed for attestation evidence,
// and no enclave-binary hash is checked.
type Measurement [32]byte

// pinnedVerifyFunc builds a crypto/tls VerifyPeerCertificate callback
// that accepts only a leaf certificate whose SHA-256 digest equals
// expected. InsecureSkipVerify is set alongside this on the returned
// *tls.Config because the library's own chain-of-trust validation is
// meaningless here: the measurement pin *is* the trust anchor, not a
// CA root.
func pinnedVerifyFunc(expected [32]byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return merrors.New(merrors.BadAttestation())
		}
		got := sha256.Sum256(rawCerts[0])
		if subtle.ConstantTimeCompare(got[:], expected[:]) != 1 {
			return merrors.New(merrors.BadAttestation())
		}
		return nil
	}
}

// ProvisioningTLSConfig pins the inner TLS handshake to a leaf
// certificate whose SHA-256 digest equals measurement, for
// provisioning traffic addressed to a node
// that has not yet attested into a running identity.
func ProvisioningTLSConfig(measurement Measurement) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinnedVerifyFunc(measurement),
	}
}

// RunTLSConfig pins the inner TLS handshake to a shared seed-derived
// identity, for ordinary run traffic against an already-provisioned
// user node (spec §4.7: "For run traffic, the client pins a shared
// seed-derived identity").
func RunTLSConfig(seedDerivedIdentity [32]byte) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinnedVerifyFunc(seedDerivedIdentity),
	}
}
