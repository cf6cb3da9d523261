package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

const (
	keyFileName = "store.key"
	keySize     = 32 // 256-bit SQLCipher key

	// KeyEnvVar supplies the store key as hex. It takes precedence over the key file.
	KeyEnvVar = "FLOWAGENT_STORE_KEY"
)

// FileKeyProvider keeps the store key hex-encoded in the data directory,
// readable only by the owner.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// NewKeyProvider returns the environment provider when KeyEnvVar is set and
// the file provider otherwise.
func NewKeyProvider(dataDir string) domain.KeyProvider {
	if v := os.Getenv(KeyEnvVar); v != "" {
		return &EnvKeyProvider{value: v}
	}
	return NewFileKeyProvider(dataDir)
}

// GetKey reads the store key from the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(string(encoded))
}

// StoreKey writes the key through a temp file so a crash never leaves a
// truncated key behind.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	dir := filepath.Dir(p.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp := p.keyPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, p.keyPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// Path returns the key file location.
func (p *FileKeyProvider) Path() string {
	return p.keyPath
}

// EnvKeyProvider reads the key from KeyEnvVar. It cannot store keys.
type EnvKeyProvider struct {
	value string
}

func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	key, err := decodeKey(p.value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyEnvVar, err)
	}
	return key, nil
}

func (p *EnvKeyProvider) StoreKey([]byte) error {
	return fmt.Errorf("store key is supplied by %s and cannot be replaced", KeyEnvVar)
}

func (p *EnvKeyProvider) KeyExists() bool {
	return p.value != ""
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the existing key, generating and storing one on first run.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)
