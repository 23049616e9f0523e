package sealing

import (
	"encoding/binary"
	"fmt"
)

// Encode frames a SealedBlob using spec §6's on-disk layout:
// u32_le(keyrequest_len) || keyrequest || u32_le(ciphertext_len) || ciphertext.
func Encode(blob SealedBlob) []byte {
	out := make([]byte, 0, 8+len(blob.KeyRequest)+len(blob.Ciphertext))
	out = appendU32LE(out, uint32(len(blob.KeyRequest)))
	out = append(out, blob.KeyRequest...)
	out = appendU32LE(out, uint32(len(blob.Ciphertext)))
	out = append(out, blob.Ciphertext...)
	return out
}

// Decode parses the framing Encode produces, rejecting trailing bytes
// per spec §6's "Deserialization MUST reject trailing bytes."
func Decode(data []byte) (SealedBlob, error) {
	if len(data) < 4 {
		return SealedBlob{}, fmt.Errorf("sealing: frame too short for keyrequest length")
	}
	krLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(krLen) {
		return SealedBlob{}, fmt.Errorf("sealing: frame truncated in keyrequest")
	}
	keyRequest := data[:krLen]
	data = data[krLen:]

	if len(data) < 4 {
		return SealedBlob{}, fmt.Errorf("sealing: frame too short for ciphertext length")
	}
	ctLen := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(ctLen) {
		return SealedBlob{}, fmt.Errorf("sealing: frame truncated in ciphertext")
	}
	ciphertext := data[:ctLen]
	data = data[ctLen:]

	if len(data) != 0 {
		return SealedBlob{}, fmt.Errorf("sealing: %d trailing bytes after frame", len(data))
	}

	out := SealedBlob{
		KeyRequest: append([]byte(nil), keyRequest...),
		Ciphertext: append([]byte(nil), ciphertext...),
	}
	return out, nil
}

func appendU32LE(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}
