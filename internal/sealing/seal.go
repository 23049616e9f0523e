// Package sealing implements authenticated encryption of process-local
// secrets bound to enclave identity (spec §4.6): the seal/unseal
// contract, a simulated enclave-mode key source, and a non-enclave
// development-mode key source with no real security.
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keyIdSize      = 32
	keyRequestSize = 76 // truncated, non-reserved prefix per spec §4.6
	tagSize        = 16
	nonceSize      = 12
	aeadKeySize    = 32
)

var hkdfSalt = []byte("meganode/sealing/hkdf-salt/v1")

// SealedBlob is {keyrequest, ciphertext} per spec §3. keyrequest
// carries the key-derivation inputs needed to rederive the symmetric
// key; ciphertext is AES-256-GCM with a 16-byte tag appended.
type SealedBlob struct {
	KeyRequest []byte
	Ciphertext []byte
}

// KeySource abstracts the enclave EGETKEY instruction: given a fresh
// key-request, it produces the raw key material HKDF expands into the
// AEAD key. EnclaveKeySource simulates EGETKEY against a process-wide
// signer secret; DevKeySource provides none of the real guarantees.
type KeySource interface {
	NewKeyRequest() ([]byte, error)
	DeriveKeyMaterial(keyRequest []byte) ([]byte, error)
}

// Sealer seals and unseals blobs using a KeySource.
type Sealer struct {
	keys KeySource
}

// NewSealer builds a Sealer over the given key source.
func NewSealer(keys KeySource) *Sealer {
	return &Sealer{keys: keys}
}

// Seal encrypts data under a domain-separation label: unsealing the
// resulting blob with a different label fails authentication, since
// label is mixed in as the HKDF "info" parameter.
func (s *Sealer) Seal(label, data []byte) (SealedBlob, error) {
	keyRequest, err := s.keys.NewKeyRequest()
	if err != nil {
		return SealedBlob{}, fmt.Errorf("sealing: sample key request: %w", err)
	}
	keyMaterial, err := s.keys.DeriveKeyMaterial(keyRequest)
	if err != nil {
		return SealedBlob{}, fmt.Errorf("sealing: derive key material: %w", err)
	}
	aeadKey, err := expandKey(keyMaterial, label)
	if err != nil {
		return SealedBlob{}, err
	}
	nonce, err := nonceFromKeyRequest(keyRequest)
	if err != nil {
		return SealedBlob{}, err
	}
	gcm, err := newGCM(aeadKey)
	if err != nil {
		return SealedBlob{}, err
	}

	// Every seal samples a fresh random key id, so a NonceSequence's
	// lifetime is exactly this one Seal call.
	seq := NewNonceSequence(nonce)
	ciphertext := gcm.Seal(nil, seq.Advance(), data, nil)

	return SealedBlob{KeyRequest: keyRequest, Ciphertext: ciphertext}, nil
}

// Unseal decrypts a blob previously produced by Seal with the same
// label. A wrong label, wrong key source, or corrupted ciphertext all
// surface as the same authentication error — never a silently wrong
// plaintext.
func (s *Sealer) Unseal(blob SealedBlob, label []byte) ([]byte, error) {
	if len(blob.Ciphertext) < tagSize {
		return nil, errors.New("sealing: ciphertext shorter than the GCM tag")
	}
	keyMaterial, err := s.keys.DeriveKeyMaterial(blob.KeyRequest)
	if err != nil {
		return nil, fmt.Errorf("sealing: derive key material: %w", err)
	}
	aeadKey, err := expandKey(keyMaterial, label)
	if err != nil {
		return nil, err
	}
	nonce, err := nonceFromKeyRequest(blob.KeyRequest)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(aeadKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("sealing: authentication failed: %w", err)
	}
	return plaintext, nil
}

func expandKey(keyMaterial, label []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, keyMaterial, hkdfSalt, label)
	key := make([]byte, aeadKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sealing: hkdf expand: %w", err)
	}
	return key, nil
}

// nonceFromKeyRequest derives the GCM nonce from the low 12 bytes of
// the key request's key id. Since the key id is fresh random on every
// seal, this is unique per seal without needing separate nonce state —
// deliberately used for both enclave and dev key sources, which is
// strictly safer than the dev mode's spec-described fixed all-zero
// nonce and costs nothing in the non-enclave case.
func nonceFromKeyRequest(keyRequest []byte) ([]byte, error) {
	if len(keyRequest) < keyIdSize {
		return nil, errors.New("sealing: key request shorter than a key id")
	}
	keyId := keyRequest[:keyIdSize]
	return keyId[keyIdSize-nonceSize:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealing: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealing: new gcm: %w", err)
	}
	return gcm, nil
}

// randomKeyId fills the key-id prefix of a fresh key request.
func randomKeyId(req []byte) error {
	_, err := io.ReadFull(rand.Reader, req[:keyIdSize])
	return err
}
