package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

const envKeyPrefix = "MASTER_ENCRYPTION_KEY"

// KeyManager holds every configured key version; new values are sealed with
// the highest one.
//
//	MASTER_ENCRYPTION_KEY     version 1
//	MASTER_ENCRYPTION_KEY_V2  version 2, ...
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	sealers    map[int]*Sealer
}

// NewKeyManager loads keys from the process environment.
func NewKeyManager() (*KeyManager, error) {
	return NewKeyManagerFrom(os.Getenv)
}

// NewKeyManagerFrom loads keys through lookup. Version 1 is required.
func NewKeyManagerFrom(lookup func(string) string) (*KeyManager, error) {
	km := &KeyManager{sealers: make(map[int]*Sealer)}
	if err := km.loadKey(1, lookup(envKeyPrefix)); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	km.currentVer = 1
	for v := 2; v <= 10; v++ {
		if err := km.loadKey(v, lookup(fmt.Sprintf("%s_V%d", envKeyPrefix, v))); err == nil {
			km.currentVer = v
		}
	}
	return km, nil
}

func (km *KeyManager) loadKey(version int, keyBase64 string) error {
	if keyBase64 == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key v%d: %w", version, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return fmt.Errorf("create sealer v%d: %w", version, err)
	}
	km.sealers[version] = s
	return nil
}

func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	s, ok := km.sealers[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return s.Seal(plaintext)
}

func (km *KeyManager) Decrypt(value string) (string, error) {
	version := ParseVersion(value)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	s, ok := km.sealers[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return s.Open(value)
}

// Resolve returns plaintext values unchanged and decrypts sealed ones. A nil
// manager passes plaintext through and refuses sealed values.
func (km *KeyManager) Resolve(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if km == nil {
		return "", ErrKeyNotLoaded
	}
	return km.Decrypt(value)
}

// ReEncrypt moves a sealed value onto the current key version.
func (km *KeyManager) ReEncrypt(value string) (string, error) {
	plain, err := km.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plain)
}

func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a random base64 key suitable for MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
