package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	MethodAES256GCM        = "aes-256-gcm"
	MethodChaCha20Poly1305 = "chacha20-poly1305"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals and opens individual payloads. Implementations are safe for
// concurrent use and keep no state between calls.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewCipher builds the named AEAD keyed by the shared secret. An empty method
// selects AES-256-GCM.
func NewCipher(method, secret string) (Cipher, error) {
	if method == "" {
		method = MethodAES256GCM
	}
	key, err := DeriveKey(secret, method)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	var aead cipher.AEAD
	switch method {
	case MethodAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
	case MethodChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cipher method %q", method)
	}
	return &aeadCipher{aead: aead}, nil
}

// aeadCipher prefixes every sealed payload with a random nonce.
type aeadCipher struct {
	aead cipher.AEAD
}

func (c *aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize+c.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return c.aead.Open(nil, nonce, sealed, nil)
}
