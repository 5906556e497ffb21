// Package binding issues and verifies HMAC-SHA256 tokens that tie a QR
// payload to one document fingerprint.
package binding

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"

	"github.com/qrseal/qrseal-go/internal/fsutil"
)

// KeySize is the HMAC key length in bytes.
const KeySize = 32

const hkdfInfo = "qrseal binding token v2"

var ErrEmptySecret = errors.New("signing secret is empty")

// KeyStore holds the process signing key. It is loaded once at startup and
// never mutated afterwards.
type KeyStore struct {
	key    []byte
	source string
}

// OpenKeyStore loads the key at path, creating it when absent or invalid.
func OpenKeyStore(path string, logger *slog.Logger) (*KeyStore, error) {
	key, err := LoadOrCreateKey(path, logger)
	if err != nil {
		return nil, err
	}
	return &KeyStore{key: key, source: "file:" + path}, nil
}

// KeyStoreFromSecret derives the key from a configured secret.
func KeyStoreFromSecret(secret, salt string) (*KeyStore, error) {
	key, err := DeriveKey([]byte(secret), []byte(salt))
	if err != nil {
		return nil, err
	}
	return &KeyStore{key: key, source: "secret"}, nil
}

// NewKeyStore wraps raw key bytes. The slice is copied.
func NewKeyStore(key []byte) (*KeyStore, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return &KeyStore{key: append([]byte(nil), key...), source: "static"}, nil
}

// Key returns a copy of the signing key.
func (k *KeyStore) Key() []byte { return append([]byte(nil), k.key...) }

// Source describes where the key came from, for logs.
func (k *KeyStore) Source() string { return k.source }

// ID is a short non-secret identifier of the key, safe to log.
func (k *KeyStore) ID() string {
	sum := sha256.Sum256(k.key)
	return hex.EncodeToString(sum[:4])
}

// LoadOrCreateKey reads a KeySize-byte key from path. A missing file or one
// of the wrong length is replaced by a fresh random key written with 0600.
func LoadOrCreateKey(path string, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(data) == KeySize:
		logger.Info("loaded signing key", "path", path)
		return data, nil
	case err == nil:
		logger.Warn("invalid key file, generating new key", "path", path, "length", len(data))
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	logger.Info("generated new signing key", "path", path)
	return key, nil
}

// DeriveKey stretches secret into a KeySize-byte key with HKDF-SHA256.
func DeriveKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
