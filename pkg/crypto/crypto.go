// Package crypto seals session bearer tokens for storage at rest.
// Tokens are encrypted with AES-256-GCM under a key derived from an
// operator-supplied passphrase; without a passphrase the store keeps
// tokens in plaintext and the daemon logs a warning at startup.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the AES key (256 bits).
	KeySize = 32
	// Iterations for PBKDF2 key derivation.
	Iterations = 100000
)

// Encryptor seals and opens short secrets with a passphrase-derived key.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives an AES-256 key from the passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	// Deterministic salt keeps the derivation stable across restarts
	// without storing key material next to the database.
	salt := sha256.Sum256([]byte("coworker-salt-" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeySize, sha256.New)

	return &Encryptor{key: key}, nil
}

// Seal encrypts plaintext and returns a base64 string carrying
// nonce||ciphertext.
func (e *Encryptor) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a string produced by Seal.
func (e *Encryptor) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", errors.New("sealed text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(combined) < gcm.NonceSize() {
		return "", errors.New("sealed text too short")
	}

	nonce := combined[:gcm.NonceSize()]
	ciphertext := combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
