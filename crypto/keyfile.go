package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	secretKeyPEMType = "SCHOOLCHAT SECRET KEY"
	// SecretKeySize is the device secret length in bytes.
	SecretKeySize = 32
)

// EnsureSecretKey loads the device secret from disk, generating it on first run.
func EnsureSecretKey(path string) ([]byte, error) {
	key, err := LoadSecretKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, SecretKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := SaveSecretKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadSecretKey loads the device secret from a PEM file.
func LoadSecretKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode secret key PEM: no PEM block")
	}
	if block.Type != secretKeyPEMType {
		return nil, fmt.Errorf("decode secret key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != SecretKeySize {
		return nil, fmt.Errorf("decode secret key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveSecretKey writes the device secret PEM file with 0600 permissions.
func SaveSecretKey(path string, key []byte) error {
	if len(key) != SecretKeySize {
		return fmt.Errorf("save secret key: invalid key size %d", len(key))
	}

	block := &pem.Block{
		Type:  secretKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write secret key: %w", err)
	}

	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a key.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
