package util

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	AES128KeySize = 16
	AES256KeySize = 32
	AEADNonceSize = 12
	AEADTagSize   = 16
)

// NewAESGCM returns an AES-GCM AEAD with a 12-byte nonce and 16-byte tag.
func NewAESGCM(rawKey []byte) (cipher.AEAD, error) {
	switch len(rawKey) {
	case AES128KeySize, 24, AES256KeySize:
	default:
		return nil, fmt.Errorf("invalid AES key size: got %d", len(rawKey))
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// NewChaCha20Poly1305 returns a ChaCha20-Poly1305 AEAD for a 32-byte key.
func NewChaCha20Poly1305(rawKey []byte) (cipher.AEAD, error) {
	if len(rawKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid ChaCha20-Poly1305 key size: got %d, want %d", len(rawKey), chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating ChaCha20-Poly1305: %w", err)
	}
	return aead, nil
}

// SealDetached encrypts plainText under a fresh random nonce and returns the
// nonce, ciphertext and authentication tag as separate slices.
func SealDetached(aead cipher.AEAD, plainText []byte) (nonce, cipherText, tag []byte, err error) {
	nonce, err = RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plainText, nil)
	split := len(sealed) - aead.Overhead()
	return nonce, sealed[:split], sealed[split:], nil
}

// OpenDetached verifies tag and decrypts cipherText. No plaintext is returned
// unless the tag verifies.
func OpenDetached(aead cipher.AEAD, nonce, cipherText, tag []byte) ([]byte, error) {
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), aead.NonceSize())
	}
	if len(tag) != aead.Overhead() {
		return nil, fmt.Errorf("invalid tag size: got %d, want %d", len(tag), aead.Overhead())
	}

	sealed := make([]byte, 0, len(cipherText)+len(tag))
	sealed = append(sealed, cipherText...)
	sealed = append(sealed, tag...)

	plainText, err := aead.Open(make([]byte, 0, len(cipherText)), nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}
