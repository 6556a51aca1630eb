package infra

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Cryptor seals and opens byte blobs with AES-256-GCM. The random nonce is
// prepended to the ciphertext. Keys come from a per-installation
// KeyProvider and never ship hard-coded; every seal uses a fresh nonce.
type Cryptor struct {
	aead cipher.AEAD
}

// NewCryptor creates a cryptor from a 256-bit key.
func NewCryptor(key []byte) (*Cryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cryptor{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (c *Cryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cryptor) Open(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob: %w", err)
	}
	return plaintext, nil
}
