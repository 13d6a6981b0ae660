// Package cryptoutil holds the small key-handling helpers shared by pairing,
// the message signer, the secret store and chunk encryption.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// Key purposes. Each derived key is bound to exactly one use.
const (
	PurposeSigning    = "bizsync message signing v1"
	PurposeAuth       = "bizsync connection proof v1"
	PurposeChunk      = "bizsync chunk encryption v1"
	PurposeConfirm    = "bizsync pairing confirmation v1"
	PurposeSecret     = "bizsync pairing secret v1"
	PurposeQRHelloMAC = "bizsync qr hello v1"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Derive expands secret into a KeySize key bound to purpose via HKDF-SHA256.
func Derive(secret []byte, purpose string, salt []byte) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*HashLen bytes.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Seal encrypts with XChaCha20-Poly1305 and prefixes the random nonce.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
