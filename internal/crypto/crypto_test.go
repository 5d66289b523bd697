package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	m, err := NewManager(key)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	plaintext := []byte("database password with spaces and unicode: ключ")
	sealed, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := m.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q", opened)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	k1, _ := NewKey()
	k2, _ := NewKey()
	m1, _ := NewManager(k1)
	m2, _ := NewManager(k2)

	sealed, err := m1.EncryptString("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := m2.DecryptString(sealed); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestNewManagerRejectsShortKey(t *testing.T) {
	if _, err := NewManager([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestDecryptRejectsTruncatedCiphertext(t *testing.T) {
	key, _ := NewKey()
	m, _ := NewManager(key)
	if _, err := m.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
}

func TestNewManagerFromFileCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", ".encryption.key")

	first, err := NewManagerFromFile(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file permissions = %v, want 0600", perm)
	}

	second, err := NewManagerFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(first.Key(), second.Key()) {
		t.Fatal("reloaded key differs from created key")
	}
}

func TestEncryptFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "archive.json")
	sealed := filepath.Join(dir, "archive.json.enc")
	restored := filepath.Join(dir, "restored.json")

	content := []byte(`{"rows":[{"id":"a"},{"id":"b"}]}`)
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("write src: %v", err)
	}

	key, _ := NewKey()
	m, _ := NewManager(key)
	if err := m.EncryptFile(src, sealed); err != nil {
		t.Fatalf("encrypt file: %v", err)
	}
	if err := m.DecryptFile(sealed, restored); err != nil {
		t.Fatalf("decrypt file: %v", err)
	}

	got, err := os.ReadFile(restored)
	if err != nil {
		t.Fatalf("read restored: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("file round trip mismatch: %q", got)
	}
}
