package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoToken is returned by a TokenStore that has nothing persisted.
var ErrNoToken = errors.New("no persisted token")

// TokenStore persists one encrypted token record per client id.
type TokenStore interface {
	Load(clientID string) (string, error)
	Save(clientID, record string) error
}

// FileStore keeps the record in a single file as one line of base64 AES-CBC
// ciphertext. The key is the client id's UTF-8 bytes, zero-padded or
// truncated to the nearest AES key size; the IV is all zeros.
type FileStore struct {
	path string
}

var _ TokenStore = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *FileStore) Load(clientID string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return Decrypt(strings.TrimSpace(string(data)), clientID)
}

func (s *FileStore) Save(clientID, record string) error {
	ciphertext, err := Encrypt(record, clientID)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create token directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, []byte(ciphertext), 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Encrypt returns the base64 ciphertext of plaintext under clientID.
func Encrypt(plaintext, clientID string) (string, error) {
	block, err := aes.NewCipher(deriveKey(clientID))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext, clientID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode token file: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("token ciphertext is not block aligned")
	}
	block, err := aes.NewCipher(deriveKey(clientID))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func deriveKey(clientID string) []byte {
	key := []byte(clientID)
	size := 32
	switch {
	case len(key) <= 16:
		size = 16
	case len(key) <= 24:
		size = 24
	}
	out := make([]byte, size)
	copy(out, key)
	return out
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid token padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid token padding")
		}
	}
	return b[:len(b)-n], nil
}
