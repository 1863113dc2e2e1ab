package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("DATABASE_URL=postgres://localhost/app")

	sealed, err := Encrypt("secret-key", plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	opened, err := Decrypt("secret-key", sealed)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := Encrypt("secret-key", []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if _, err := Decrypt("other-key", sealed); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := Decrypt("secret-key", []byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestEnvRoundTrip(t *testing.T) {
	env := map[string]string{"PORT": "8000", "DEBUG": "false"}

	sealed, err := EncryptEnv("secret-key", env)
	if err != nil {
		t.Fatalf("EncryptEnv returned error: %v", err)
	}
	opened, err := DecryptEnv("secret-key", sealed)
	if err != nil {
		t.Fatalf("DecryptEnv returned error: %v", err)
	}
	if len(opened) != 2 || opened["PORT"] != "8000" || opened["DEBUG"] != "false" {
		t.Fatalf("round trip mismatch: %v", opened)
	}
}

func TestEmptyEnvStaysEmpty(t *testing.T) {
	sealed, err := EncryptEnv("secret-key", nil)
	if err != nil {
		t.Fatalf("EncryptEnv returned error: %v", err)
	}
	if sealed != nil {
		t.Fatal("empty env must seal to nil")
	}
	opened, err := DecryptEnv("secret-key", nil)
	if err != nil {
		t.Fatalf("DecryptEnv returned error: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty env, got %v", opened)
	}
}

func TestSortedKeysIsStable(t *testing.T) {
	keys := SortedKeys(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A", "B", "C"}
	for i, key := range want {
		if keys[i] != key {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}
