// Package byok resolves workspace-owned provider API keys. Keys are
// stored AES-256-GCM encrypted and decrypted only at spawn time.
package byok

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Cipher seals and opens secrets with AES-256-GCM. The nonce is stored
// alongside the ciphertext, hex encoded, one nonce per value.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a 32-byte master key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewCipherFromHex builds a cipher from a hex-encoded master key.
func NewCipherFromHex(keyHex string) (*Cipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	return NewCipher(key)
}

// Encrypt seals plaintext and returns hex ciphertext plus hex nonce.
func (c *Cipher) Encrypt(plaintext string) (ciphertextHex, ivHex string, err error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

// Decrypt opens a hex ciphertext with its hex nonce.
func (c *Cipher) Decrypt(ciphertextHex, ivHex string) (string, error) {
	sealed, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid hex: %w", err)
	}
	nonce, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("iv is not valid hex: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", c.aead.NonceSize(), len(nonce))
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}
