package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrMasterSecretLocked indicates session material was requested while the
// master secret is not in memory.
var ErrMasterSecretLocked = errors.New("master secret locked")

// SessionStore persists per-peer ratchet state and peer identity keys.
// Implementations must be safe for concurrent use; the SessionCipher
// additionally serializes mutations per peer.
type SessionStore interface {
	// LoadSession returns the session for the peer, or nil when absent.
	LoadSession(peer string) (*Session, error)
	// StoreSession durably records the session state.
	StoreSession(session *Session) error
	// DeleteAllSessions removes all ratchet state for the peer. Subsequent
	// sends must re-key.
	DeleteAllSessions(peer string) error
	// ContainsSession reports whether a session exists for the peer.
	ContainsSession(peer string) bool
	// RegisterIdentity records the peer's long-term identity key.
	RegisterIdentity(peer string, identity [32]byte) error
	// IdentityOf returns the registered identity key for the peer.
	IdentityOf(peer string) ([32]byte, bool)
}

// FileSessionStore keeps sessions in per-peer files encrypted at rest with
// the cached master secret. Files are written atomically (tmp + rename).
type FileSessionStore struct {
	mu      sync.RWMutex
	dataDir string
	secrets *MasterSecretCache

	identities map[string][32]byte
}

// NewFileSessionStore creates a session store rooted at dataDir.
func NewFileSessionStore(dataDir string, secrets *MasterSecretCache) (*FileSessionStore, error) {
	for _, sub := range []string{"sessions", "identities"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	fs := &FileSessionStore{
		dataDir:    dataDir,
		secrets:    secrets,
		identities: make(map[string][32]byte),
	}

	if err := fs.loadIdentities(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewFileSessionStore",
			"error":    err.Error(),
		}).Warn("Could not load identity registry, starting fresh")
	}

	return fs, nil
}

func peerFileName(peer string) string {
	sum := sha256.Sum256([]byte(peer))
	return hex.EncodeToString(sum[:16])
}

func (fs *FileSessionStore) sessionPath(peer string) string {
	return filepath.Join(fs.dataDir, "sessions", peerFileName(peer)+".session")
}

// LoadSession returns the decrypted session for the peer, or nil when no
// session exists.
func (fs *FileSessionStore) LoadSession(peer string) (*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	data, err := os.ReadFile(fs.sessionPath(peer))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	plaintext, err := fs.open(data)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", peer, err)
	}

	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}

	return &session, nil
}

// StoreSession encrypts and atomically writes the session state.
func (fs *FileSessionStore) StoreSession(session *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	sealed, err := fs.seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal session for %s: %w", session.Peer, err)
	}

	path := fs.sessionPath(session.Peer)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}

	return nil
}

// DeleteAllSessions removes the peer's ratchet state.
func (fs *FileSessionStore) DeleteAllSessions(peer string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.sessionPath(peer)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteAllSessions",
		"peer":     peer,
	}).Info("Ratchet state deleted, peer must re-key")

	return nil
}

// ContainsSession reports whether a session file exists for the peer.
func (fs *FileSessionStore) ContainsSession(peer string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	_, err := os.Stat(fs.sessionPath(peer))
	return err == nil
}

// RegisterIdentity records the peer's long-term identity key.
func (fs *FileSessionStore) RegisterIdentity(peer string, identity [32]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.identities[peer] = identity

	path := filepath.Join(fs.dataDir, "identities", peerFileName(peer)+".key")
	if err := os.WriteFile(path, identity[:], 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := fs.writeIdentityIndex(); err != nil {
		return err
	}

	return nil
}

// IdentityOf returns the registered identity key for the peer.
func (fs *FileSessionStore) IdentityOf(peer string) ([32]byte, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	identity, ok := fs.identities[peer]
	return identity, ok
}

func (fs *FileSessionStore) identityIndexPath() string {
	return filepath.Join(fs.dataDir, "identities", "index.json")
}

func (fs *FileSessionStore) writeIdentityIndex() error {
	index := make(map[string][]byte, len(fs.identities))
	for peer, identity := range fs.identities {
		key := identity
		index[peer] = key[:]
	}

	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode identity index: %w", err)
	}
	if err := os.WriteFile(fs.identityIndexPath(), data, 0o600); err != nil {
		return fmt.Errorf("write identity index: %w", err)
	}
	return nil
}

func (fs *FileSessionStore) loadIdentities() error {
	data, err := os.ReadFile(fs.identityIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read identity index: %w", err)
	}

	index := make(map[string][]byte)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("decode identity index: %w", err)
	}

	for peer, raw := range index {
		if len(raw) != 32 {
			continue
		}
		var identity [32]byte
		copy(identity[:], raw)
		fs.identities[peer] = identity
	}

	return nil
}

// seal encrypts plaintext with the master key. Output: nonce || box.
func (fs *FileSessionStore) seal(plaintext []byte) ([]byte, error) {
	key, ok := fs.secrets.Key()
	if !ok {
		return nil, ErrMasterSecretLocked
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	return out, nil
}

// open decrypts a nonce || box blob with the master key.
func (fs *FileSessionStore) open(sealed []byte) ([]byte, error) {
	key, ok := fs.secrets.Key()
	if !ok {
		return nil, ErrMasterSecretLocked
	}

	if len(sealed) < 24 {
		return nil, errors.New("sealed session truncated")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return nil, errors.New("session authentication failed")
	}

	return plaintext, nil
}
