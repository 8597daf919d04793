// Package crypto encrypts OAuth tokens at rest.
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
	"strings"
)

// encryptedPrefix tags ciphertext so legacy plaintext rows still load.
const encryptedPrefix = "enc:v1:"

var (
	ErrEmptyKey          = errors.New("encryption key is empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor handles AES-256-GCM encryption/decryption.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor creates an encryptor. Keys that are not 32 bytes are stretched with SHA-256.
func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	raw := []byte(key)
	if len(raw) != 32 {
		sum := sha256.Sum256(raw)
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt returns prefixed base64 ciphertext. Empty input stays empty.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned unchanged.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := e.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether value was produced by Encrypt.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
