package keychain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AESGCMCipher is a Cipher backed by AES-GCM (AES-128, -192 or -256, chosen
// by the key's length). The pack carries no
// third-party encryption-at-rest library (the closest candidates — cloud KMS
// SDKs — were already dropped per DESIGN.md), so this uses crypto/aes and
// crypto/cipher directly; everything above this boundary (keychain.Cipher)
// stays pluggable so a KMS-backed implementation can replace it without
// touching Keychain.
type AESGCMCipher struct {
	gcm cipher.AEAD
}

// NewAESGCMCipher builds a cipher from a 16/24/32-byte AES key.
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keychain: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keychain: new gcm: %w", err)
	}
	return &AESGCMCipher{gcm: gcm}, nil
}

// Encrypt seals plaintext with a fresh random nonce prepended to the output.
func (c *AESGCMCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keychain: read nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt.
func (c *AESGCMCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	n := c.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("keychain: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:n], ciphertext[n:]
	return c.gcm.Open(nil, nonce, sealed, nil)
}

var _ Cipher = (*AESGCMCipher)(nil)
