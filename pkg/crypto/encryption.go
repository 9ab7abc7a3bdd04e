// Package crypto protects exchange account credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes).
	KeySize = 32
	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// KeyManager encrypts and decrypts credential strings with AES-256-GCM.
// Ciphertext carries a version prefix (ENC[vN]:) so keys can be rotated.
type KeyManager struct {
	key     []byte
	version int
}

// NewKeyManager builds a KeyManager from a hex-encoded 32-byte master key.
func NewKeyManager(hexKey string, version int) (*KeyManager, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if version <= 0 {
		version = 1
	}
	return &KeyManager{key: key, version: version}, nil
}

// Encrypt returns ENC[vN]:base64(nonce || ciphertext).
func (k *KeyManager) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", k.version, base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// Decrypt reverses Encrypt. Plaintext (non-prefixed) input is returned as-is
// so pre-encryption rows keep working.
func (k *KeyManager) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	colonIdx := strings.Index(value, "]:")
	if colonIdx == -1 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(value[colonIdx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(k.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version new ciphertext is written with.
func (k *KeyManager) Version() int {
	return k.version
}

// IsEncrypted reports whether a stored value carries the ENC[vN]: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, "ENC[v")
}

// ParseVersion extracts the version from an encrypted string, 0 if invalid.
func ParseVersion(value string) int {
	if !IsEncrypted(value) {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
