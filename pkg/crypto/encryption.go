// Package crypto seals exchange credentials at rest.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the XChaCha20-Poly1305 key length.
	KeySize = chacha20poly1305.KeySize
	// VersionPrefix marks sealed values: ENC[v1]:base64(nonce||ciphertext)
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Sealer encrypts secrets with one key version.
type Sealer struct {
	key     []byte
	version int
}

func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Sealer{key: k, version: version}, nil
}

// Seal encrypts plaintext with a random 24-byte nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), additionalData(s.version))
	return fmt.Sprintf(VersionPrefix, s.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal with the same key version.
func (s *Sealer) Open(value string) (string, error) {
	if ParseVersion(value) != s.version {
		return "", ErrInvalidCiphertext
	}
	idx := strings.Index(value, "]:")
	data, err := base64.StdEncoding.DecodeString(value[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("create aead: %w", err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, additionalData(s.version))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func (s *Sealer) Version() int { return s.version }

// binds the ciphertext to its key version so a relabelled prefix fails to open
func additionalData(version int) []byte {
	return []byte(fmt.Sprintf("execcore/v%d", version))
}

// IsSealed reports whether value carries the ENC[vN]: prefix.
func IsSealed(value string) bool {
	return ParseVersion(value) > 0
}

// ParseVersion extracts N from ENC[vN]:..., or 0 when the prefix is missing.
func ParseVersion(value string) int {
	if !strings.HasPrefix(value, "ENC[v") || !strings.Contains(value, "]:") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(value, "ENC[v%d]:", &version); err != nil || version <= 0 {
		return 0
	}
	return version
}
