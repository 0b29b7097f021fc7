package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the iteration count for passphrase derivation.
	PBKDF2Iterations = 100000
	// SaltSize is the size of the stored derivation salt.
	SaltSize = 32
)

// MasterSecretCache holds the passphrase-derived master key in memory while
// the store is unlocked. Receive jobs created while the cache is locked are
// recorded durably and their decryption deferred; the MasterSecretRequirement
// parks them until Unlock is called.
type MasterSecretCache struct {
	mu      sync.RWMutex
	key     [32]byte
	present bool

	dataDir  string
	saltFile string
}

// NewMasterSecretCache creates a locked cache rooted at dataDir. The
// derivation salt is created on first use and persisted alongside the key
// material it protects.
func NewMasterSecretCache(dataDir string) (*MasterSecretCache, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &MasterSecretCache{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}, nil
}

// Unlock derives the master key from the passphrase and keeps it in memory.
// The passphrase slice is wiped before returning.
func (c *MasterSecretCache) Unlock(passphrase []byte) error {
	if len(passphrase) == 0 {
		return fmt.Errorf("passphrase cannot be empty")
	}

	salt, err := c.loadOrGenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)

	c.mu.Lock()
	copy(c.key[:], derived)
	c.present = true
	c.mu.Unlock()

	ZeroizeKey(derived)
	ZeroizeKey(passphrase)

	logrus.WithFields(logrus.Fields{
		"function": "Unlock",
		"data_dir": c.dataDir,
	}).Info("Master secret unlocked")

	return nil
}

// Lock wipes the cached key. Jobs requiring the master secret park until the
// next Unlock.
func (c *MasterSecretCache) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ZeroizeKey(c.key[:])
	c.present = false

	logrus.WithFields(logrus.Fields{
		"function": "Lock",
	}).Info("Master secret locked")
}

// Available reports whether the master key is currently in memory.
func (c *MasterSecretCache) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.present
}

// Key returns the cached master key. The second return is false while locked.
func (c *MasterSecretCache) Key() ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key, c.present
}

// loadOrGenerateSalt loads the existing salt or generates a new one.
func (c *MasterSecretCache) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(c.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(c.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != SaltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
	}

	return data, nil
}
