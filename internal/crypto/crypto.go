package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Manager handles encryption and decryption of sensitive payloads with
// AES-256-GCM. The nonce is prepended to the ciphertext.
type Manager struct {
	key []byte
}

// NewManager creates a manager around an existing key.
func NewManager(key []byte) (*Manager, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	owned := make([]byte, KeySize)
	copy(owned, key)
	return &Manager{key: owned}, nil
}

// NewManagerFromFile loads a base64-encoded key from path, generating and
// persisting a fresh one (0600) when the file does not exist.
func NewManagerFromFile(path string) (*Manager, error) {
	key, err := getOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

// NewKey generates a random AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Key returns a copy of the active key.
func (m *Manager) Key() []byte {
	out := make([]byte, len(m.key))
	copy(out, m.key)
	return out
}

func getOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key := make([]byte, KeySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == KeySize {
			return key[:KeySize], nil
		}
		return nil, fmt.Errorf("key file %s is not a valid base64 AES-256 key", path)
	}

	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	log.Info().Str("path", path).Msg("Generated new encryption key")
	return key, nil
}

// Encrypt encrypts data using AES-GCM.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data using AES-GCM.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns base64.
func (m *Manager) EncryptString(plaintext string) (string, error) {
	encrypted, err := m.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// DecryptString decrypts a base64 string.
func (m *Manager) DecryptString(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	decrypted, err := m.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(decrypted), nil
}

// EncryptFile seals src into dst. Used for archives that require
// encryption at rest.
func (m *Manager) EncryptFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	sealed, err := m.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", src, err)
	}
	if err := os.WriteFile(dst, sealed, 0600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// DecryptFile opens src sealed by EncryptFile and writes the plaintext
// to dst.
func (m *Manager) DecryptFile(src, dst string) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	data, err := m.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
