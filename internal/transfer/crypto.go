package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// buildNonce lays out the 24-byte XChaCha20-Poly1305 nonce: the transfer
// id (16 bytes) concatenated with the big-endian chunk sequence (4
// bytes), zero-padded to the cipher's NonceSizeX. Every (transferID, seq)
// pair is used at most once per derived key, which is all an AEAD nonce
// needs to guarantee.
func buildNonce(transferID uuid.UUID, seq uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce[:16], transferID[:])
	binary.BigEndian.PutUint32(nonce[16:20], seq)
	return nonce
}

// encryptChunk seals plaintext under key, used only in relay mode — the
// p2p data channel is already protected by WebRTC's mandatory DTLS.
func encryptChunk(key []byte, transferID uuid.UUID, seq uint32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("transfer: building AEAD: %w", err)
	}
	nonce := buildNonce(transferID, seq)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func decryptChunk(key []byte, transferID uuid.UUID, seq uint32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("transfer: building AEAD: %w", err)
	}
	nonce := buildNonce(transferID, seq)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transfer: chunk authentication failed: %w", err)
	}
	return plaintext, nil
}
