package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(1), 1)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal("api-secret-123")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "ENC[v1]:") {
		t.Fatalf("missing prefix: %s", sealed)
	}
	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain != "api-secret-123" {
		t.Fatalf("got %q", plain)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, _ := NewSealer(testKey(1), 1)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenWrongKey(t *testing.T) {
	s1, _ := NewSealer(testKey(1), 1)
	s2, _ := NewSealer(testKey(9), 1)
	sealed, _ := s1.Seal("secret")
	if _, err := s2.Open(sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestInvalidKeyLength(t *testing.T) {
	if _, err := NewSealer([]byte("short"), 1); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]int{
		"ENC[v1]:abc":  1,
		"ENC[v12]:abc": 12,
		"plain":        0,
		"ENC[vx]:abc":  0,
		"ENC[v3]":      0,
	}
	for in, want := range cases {
		if got := ParseVersion(in); got != want {
			t.Fatalf("ParseVersion(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	env := map[string]string{
		"MASTER_ENCRYPTION_KEY":    base64.StdEncoding.EncodeToString(testKey(1)),
		"MASTER_ENCRYPTION_KEY_V2": base64.StdEncoding.EncodeToString(testKey(2)),
	}
	km, err := NewKeyManagerFrom(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("NewKeyManagerFrom: %v", err)
	}
	if km.CurrentVersion() != 2 {
		t.Fatalf("current version = %d, want 2", km.CurrentVersion())
	}

	s1, _ := NewSealer(testKey(1), 1)
	old, _ := s1.Seal("rotate-me")
	rotated, err := km.ReEncrypt(old)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}
	if ParseVersion(rotated) != 2 {
		t.Fatalf("rotated value not on v2: %s", rotated)
	}
	plain, err := km.Decrypt(rotated)
	if err != nil || plain != "rotate-me" {
		t.Fatalf("Decrypt rotated = %q, %v", plain, err)
	}
}

func TestKeyManagerMissingPrimary(t *testing.T) {
	if _, err := NewKeyManagerFrom(func(string) string { return "" }); err == nil {
		t.Fatal("expected error without primary key")
	}
}

func TestResolve(t *testing.T) {
	var nilKM *KeyManager
	if v, err := nilKM.Resolve("plain-key"); err != nil || v != "plain-key" {
		t.Fatalf("plaintext passthrough = %q, %v", v, err)
	}
	if _, err := nilKM.Resolve("ENC[v1]:abcd"); err != ErrKeyNotLoaded {
		t.Fatalf("expected ErrKeyNotLoaded, got %v", err)
	}
}
