package sealing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// EnclaveKeySource simulates the enclave EGETKEY instruction: a single
// process-wide signer secret (standing in for the real MRSIGNER-bound
// sealing key hierarchy) is combined with each key-request's key id to
// deterministically derive key material.
type EnclaveKeySource struct {
	signerSecret [32]byte
}

// NewEnclaveKeySource builds a key source bound to signerSecret. Two
// EnclaveKeySources built from the same secret can unseal each other's
// blobs; this is the simulation's analogue of "same MRSIGNER."
func NewEnclaveKeySource(signerSecret [32]byte) *EnclaveKeySource {
	return &EnclaveKeySource{signerSecret: signerSecret}
}

// NewKeyRequest samples a fresh key request: a 32-byte random key id
// followed by a fixed CPUSVN/ISVSVN binding region, left zero here
// since those values come from the processor, not software.
func (e *EnclaveKeySource) NewKeyRequest() ([]byte, error) {
	req := make([]byte, keyRequestSize)
	if err := randomKeyId(req); err != nil {
		return nil, err
	}
	return req, nil
}

// DeriveKeyMaterial reproduces EGETKEY's output for a previously
// sampled key request.
func (e *EnclaveKeySource) DeriveKeyMaterial(keyRequest []byte) ([]byte, error) {
	if len(keyRequest) != keyRequestSize {
		return nil, fmt.Errorf("sealing: key request is %d bytes, want %d", len(keyRequest), keyRequestSize)
	}
	mac := hmac.New(sha256.New, e.signerSecret[:])
	mac.Write(keyRequest)
	return mac.Sum(nil), nil
}

// MachineId computes this signer's stable 128-bit machine identifier;
// see DeriveMachineId.
func (e *EnclaveKeySource) MachineId() MachineId {
	return DeriveMachineId(e.signerSecret)
}

// DevKeySource provides none of EnclaveKeySource's real guarantees:
// the key id itself is used directly as key material. Development only.
type DevKeySource struct{}

func (DevKeySource) NewKeyRequest() ([]byte, error) {
	req := make([]byte, keyRequestSize)
	if err := randomKeyId(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (DevKeySource) DeriveKeyMaterial(keyRequest []byte) ([]byte, error) {
	if len(keyRequest) < keyIdSize {
		return nil, fmt.Errorf("sealing: key request shorter than a key id")
	}
	return keyRequest[:keyIdSize], nil
}

// MachineId is a stable 128-bit identifier for a signer, bound to
// MRSIGNER rather than MRENCLAVE so that multiple enclave versions from
// the same signer derive the same id (spec §4.6).
type MachineId [16]byte

var machineIdInfo = []byte("meganode/sealing/machine-id/v1")

// DeriveMachineId derives the machine identifier for a signer secret.
func DeriveMachineId(signerSecret [32]byte) MachineId {
	mac := hmac.New(sha256.New, signerSecret[:])
	mac.Write(machineIdInfo)
	sum := mac.Sum(nil)
	var id MachineId
	copy(id[:], sum[:16])
	return id
}

// GenerateSignerSecret produces a fresh random signer secret, standing
// in for provisioning a new MRSIGNER key outside the enclave.
func GenerateSignerSecret() ([32]byte, error) {
	var secret [32]byte
	_, err := io.ReadFull(rand.Reader, secret[:])
	return secret, err
}
