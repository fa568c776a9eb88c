package cache

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// valuePrefix is the marker prepended to encrypted values to distinguish
// them from plaintext records.
const valuePrefix = "pb-enc:"

// storageKeyPrefix is prepended to cache keys when encryption is active,
// providing namespace separation between encrypted and plaintext entries.
const storageKeyPrefix = "enc:"

// EncryptionStrategy defines how durable records are encrypted, decrypted,
// and how storage keys are decorated. Two implementations exist:
// NoEncryptionStrategy (pass-through) and AEADEncryptionStrategy.
type EncryptionStrategy interface {
	// EncryptValue encrypts record bytes for storage. The key parameter is used
	// as associated data to bind ciphertext to a specific cache entry.
	EncryptValue(ctx context.Context, data []byte, key string) (string, error)

	// DecryptValue decrypts a stored value back to record bytes. The key
	// parameter must match the key used during encryption.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	// StorageKey returns the cache key, potentially decorated with a prefix.
	StorageKey(key string) string

	// Close releases resources held by the strategy.
	Close() error
}

// NoEncryptionStrategy is a pass-through that stores values as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, data []byte, _ string) (string, error) {
	return string(data), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// AEADEncryptionStrategy encrypts records with XChaCha20-Poly1305. Values are
// encrypted with the cache key as associated data to prevent ciphertext
// swapping between keys, then base64-encoded (nonce first) and prefixed with
// "pb-enc:" for identification.
type AEADEncryptionStrategy struct {
	aead cipher.AEAD
}

// NewAEADEncryptionStrategy creates an encryption strategy from a 32 byte key.
func NewAEADEncryptionStrategy(key []byte) (*AEADEncryptionStrategy, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cache cipher: %w", err)
	}
	return &AEADEncryptionStrategy{aead: aead}, nil
}

func (s *AEADEncryptionStrategy) EncryptValue(_ context.Context, data []byte, key string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(data)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, data, []byte(key))

	return valuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *AEADEncryptionStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	if !strings.HasPrefix(value, valuePrefix) {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	encoded := strings.TrimPrefix(value, valuePrefix)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	if len(decoded) < s.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := decoded[:s.aead.NonceSize()], decoded[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

func (s *AEADEncryptionStrategy) StorageKey(key string) string {
	return storageKeyPrefix + key
}

func (s *AEADEncryptionStrategy) Close() error {
	return nil
}
