package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks encrypted values so that plaintext left over from before
// encryption was enabled is detected rather than mis-decoded.
const valuePrefix = "ab-enc:"

// encryptedKeyPrefix keeps encrypted and plaintext entries in separate
// key spaces.
const encryptedKeyPrefix = "enc:"

// EncryptionStrategy controls how persisted values are encoded and how
// storage keys are decorated.
type EncryptionStrategy interface {
	// EncryptValue encodes a serialized pair. The key is bound to the
	// ciphertext as associated data.
	EncryptValue(ctx context.Context, data []byte, key string) (string, error)

	// DecryptValue reverses EncryptValue for the same key.
	DecryptValue(ctx context.Context, value string, key string) ([]byte, error)

	StorageKey(key string) string

	Close() error
}

// NoEncryptionStrategy stores values as-is.
type NoEncryptionStrategy struct{}

func (NoEncryptionStrategy) EncryptValue(_ context.Context, data []byte, _ string) (string, error) {
	return string(data), nil
}

func (NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (NoEncryptionStrategy) Close() error {
	return nil
}

// TinkEncryptionStrategy seals values with a Tink AEAD, using the key as
// associated data so ciphertext cannot be moved between app keys.
type TinkEncryptionStrategy struct {
	aead tink.AEAD
}

func NewTinkEncryptionStrategy(aead tink.AEAD) *TinkEncryptionStrategy {
	return &TinkEncryptionStrategy{aead: aead}
}

func (s *TinkEncryptionStrategy) EncryptValue(_ context.Context, data []byte, key string) (string, error) {
	sealed, err := s.aead.Encrypt(data, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *TinkEncryptionStrategy) DecryptValue(_ context.Context, value string, key string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return nil, fmt.Errorf("missing %q prefix: value is unencrypted or corrupted", valuePrefix)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}

	data, err := s.aead.Decrypt(sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}

	return data, nil
}

func (s *TinkEncryptionStrategy) StorageKey(key string) string {
	return encryptedKeyPrefix + key
}

func (s *TinkEncryptionStrategy) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
