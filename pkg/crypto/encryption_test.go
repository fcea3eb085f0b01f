package crypto

import (
	"bytes"
	"encoding/base64"
	"os"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(), 1)
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := "binance-api-key-abc123"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip mismatch: %q != %q", got, plaintext)
	}
}

func TestEncryptProducesUniqueNonces(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	a, _ := enc.Encrypt("same input")
	b, _ := enc.Encrypt("same input")
	if a == b {
		t.Error("two encryptions of the same plaintext must differ")
	}
}

func TestNewEncryptorRejectsBadKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	enc, _ := NewEncryptor(testKey(), 1)

	for _, in := range []string{"", "plaintext", "ENC[v1]", "ENC[v1]:!!notbase64!!", "ENC[v1]:" + base64.StdEncoding.EncodeToString([]byte("x"))} {
		if _, err := enc.Decrypt(in); err == nil {
			t.Errorf("input %q: expected error", in)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc1, _ := NewEncryptor(testKey(), 1)
	enc2, _ := NewEncryptor(bytes.Repeat([]byte{0x07}, KeySize), 1)

	ciphertext, _ := enc1.Encrypt("secret")
	if _, err := enc2.Decrypt(ciphertext); err != ErrDecryptionFailed {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]int{
		"ENC[v1]:abc":  1,
		"ENC[v12]:abc": 12,
		"ENC[vx]:abc":  0,
		"garbage":      0,
		"ENC[v3":       0,
	}
	for in, want := range cases {
		if got := ParseVersion(in); got != want {
			t.Errorf("ParseVersion(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestKeyManagerVersionedDecrypt(t *testing.T) {
	key1 := base64.StdEncoding.EncodeToString(testKey())
	key2 := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x07}, KeySize))
	os.Setenv("MASTER_ENCRYPTION_KEY", key1)
	os.Setenv("MASTER_ENCRYPTION_KEY_V2", key2)
	defer os.Unsetenv("MASTER_ENCRYPTION_KEY")
	defer os.Unsetenv("MASTER_ENCRYPTION_KEY_V2")

	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("new key manager: %v", err)
	}
	if km.CurrentVersion() != 2 {
		t.Fatalf("expected current version 2, got %d", km.CurrentVersion())
	}

	// New ciphertexts use v2; old v1 ciphertexts still decrypt.
	ciphertext, err := km.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ParseVersion(ciphertext) != 2 {
		t.Errorf("expected v2 ciphertext, got %q", ciphertext)
	}

	old, _ := NewEncryptor(testKey(), 1)
	legacy, _ := old.Encrypt("legacy secret")
	got, err := km.Decrypt(legacy)
	if err != nil {
		t.Fatalf("decrypt legacy: %v", err)
	}
	if got != "legacy secret" {
		t.Errorf("legacy round trip mismatch: %q", got)
	}
}
