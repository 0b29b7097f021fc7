package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// EndSessionBody is the plaintext carried by an end-session message. Its
// successful decryption deletes the ratchet state for the sender.
const EndSessionBody = "TERMINATE"

// ErrNoSession indicates no ratchet session exists for the target peer. The
// caller may attempt an insecure fallback after explicit approval.
var ErrNoSession = errors.New("no session for peer")

// ErrUnknownIdentity indicates a key exchange cannot be initiated because
// the peer's identity key was never registered.
var ErrUnknownIdentity = errors.New("no identity key registered for peer")

// DecryptStatus is the outcome of a decrypt operation. The conditions other
// than DecryptOK are expected adversarial or out-of-order cases: they are
// recorded on the message and never retried.
type DecryptStatus uint8

const (
	// DecryptOK means the plaintext was recovered and the chain advanced.
	DecryptOK DecryptStatus = iota
	// DecryptDuplicate means the ratchet index was already consumed.
	DecryptDuplicate
	// DecryptLegacy means the envelope predates the supported protocol
	// version.
	DecryptLegacy
	// DecryptInvalid means cryptographic or format failure.
	DecryptInvalid
	// DecryptNoSession means no session exists for the sender.
	DecryptNoSession
)

// DecryptResult is the exhaustive outcome of a decrypt attempt.
type DecryptResult struct {
	Status    DecryptStatus
	Plaintext string
	// SessionEnded is set when an end-session message deleted the ratchet.
	SessionEnded bool
}

// ExchangeStatus is the outcome of key-exchange processing.
type ExchangeStatus uint8

const (
	// ExchangeProcessed means a session was established or updated.
	ExchangeProcessed ExchangeStatus = iota
	// ExchangeInvalidVersion means the envelope version is unsupported.
	ExchangeInvalidVersion
	// ExchangeLegacy means the envelope predates the supported protocol.
	ExchangeLegacy
	// ExchangeCorrupt means the envelope failed structural or cryptographic
	// validation.
	ExchangeCorrupt
	// ExchangeStale means a response arrived for no pending negotiation.
	ExchangeStale
	// ExchangeUntrusted means the initiator's identity key does not match
	// the pinned identity for that peer.
	ExchangeUntrusted
)

// ExchangeResult is the exhaustive outcome of ProcessKeyExchange. Response
// is non-nil when a reply envelope must be sent back to the peer.
type ExchangeResult struct {
	Status   ExchangeStatus
	Response *Envelope
}

// SessionCipher wraps the ratchet protocol: encrypt and decrypt message
// bodies, process key exchanges, and tear sessions down. All session
// mutations for one peer are serialized under a per-peer lock so a send and
// a simultaneous receive cannot race the chain state.
type SessionCipher struct {
	mu       sync.Mutex
	store    SessionStore
	identity *KeyPair

	// pending holds initiator handshakes awaiting the peer's response.
	pending   map[string]*noise.HandshakeState
	peerLocks map[string]*sync.Mutex
}

// NewSessionCipher creates a cipher bound to the given session store and
// local identity.
func NewSessionCipher(store SessionStore, identity *KeyPair) *SessionCipher {
	return &SessionCipher{
		store:     store,
		identity:  identity,
		pending:   make(map[string]*noise.HandshakeState),
		peerLocks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing session mutations for the peer.
func (sc *SessionCipher) lockFor(peer string) *sync.Mutex {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	l, ok := sc.peerLocks[peer]
	if !ok {
		l = &sync.Mutex{}
		sc.peerLocks[peer] = l
	}
	return l
}

// Encrypt advances the sender ratchet and seals plaintext into a message
// envelope. Returns ErrNoSession when no session exists for the peer.
func (sc *SessionCipher) Encrypt(peer string, plaintext []byte) (*Envelope, error) {
	l := sc.lockFor(peer)
	l.Lock()
	defer l.Unlock()

	session, err := sc.store.LoadSession(peer)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, peer)
	}

	key, index, err := session.nextSendKey()
	if err != nil {
		return nil, fmt.Errorf("advance send chain: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &key)

	if err := sc.store.StoreSession(session); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Encrypt",
		"peer":     peer,
		"index":    index,
	}).Debug("Message sealed")

	return &Envelope{
		Version: CurrentVersion,
		Type:    EnvelopeMessage,
		Index:   index,
		Nonce:   nonce,
		Payload: sealed,
	}, nil
}

// Decrypt opens a message envelope for the peer. endSession marks the
// envelope as an end-session message: when its body decrypts to the
// termination marker, all ratchet state for the peer is deleted.
//
// The receive chain is persisted only after a successful open, so a failed
// attempt leaves the durable session untouched.
func (sc *SessionCipher) Decrypt(peer string, data []byte, endSession bool) DecryptResult {
	l := sc.lockFor(peer)
	l.Lock()
	defer l.Unlock()

	env, err := ParseEnvelope(data)
	if err != nil {
		return DecryptResult{Status: DecryptInvalid}
	}
	if env.Version < MinSupportedVersion {
		return DecryptResult{Status: DecryptLegacy}
	}
	if env.Version > CurrentVersion || env.Type != EnvelopeMessage {
		return DecryptResult{Status: DecryptInvalid}
	}

	session, err := sc.store.LoadSession(peer)
	if err != nil || session == nil {
		return DecryptResult{Status: DecryptNoSession}
	}

	key, duplicate, err := session.receiveKey(env.Index)
	if err != nil {
		if errors.Is(err, ErrIndexTooFarAhead) {
			logrus.WithFields(logrus.Fields{
				"function": "Decrypt",
				"peer":     peer,
				"index":    env.Index,
				"last":     session.RecvLast,
			}).Warn("Ratchet index beyond skip window, rejecting")
		}
		return DecryptResult{Status: DecryptInvalid}
	}
	if duplicate {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"peer":     peer,
			"index":    env.Index,
			"last":     session.RecvLast,
		}).Warn("Duplicate ratchet index, rejecting replay")
		return DecryptResult{Status: DecryptDuplicate}
	}

	plaintext, ok := secretbox.Open(nil, env.Payload, &env.Nonce, &key)
	if !ok {
		return DecryptResult{Status: DecryptInvalid}
	}

	if err := sc.store.StoreSession(session); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"peer":     peer,
			"error":    err.Error(),
		}).Error("Failed to persist advanced receive chain")
		return DecryptResult{Status: DecryptInvalid}
	}

	result := DecryptResult{Status: DecryptOK, Plaintext: string(plaintext)}

	if endSession && result.Plaintext == EndSessionBody {
		if err := sc.store.DeleteAllSessions(peer); err == nil {
			result.SessionEnded = true
		}
	}

	return result
}

// InitiateKeyExchange starts a session negotiation with a peer whose
// identity key is registered. The returned envelope is the pre-key bundle
// message to transmit; the handshake stays pending until the response
// arrives.
func (sc *SessionCipher) InitiateKeyExchange(peer string) (*Envelope, error) {
	identity, ok := sc.store.IdentityOf(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, peer)
	}

	l := sc.lockFor(peer)
	l.Lock()
	defer l.Unlock()

	hs, err := newHandshakeState(true, sc.identity, identity)
	if err != nil {
		return nil, err
	}

	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("write handshake message: %w", err)
	}

	sc.mu.Lock()
	sc.pending[peer] = hs
	sc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "InitiateKeyExchange",
		"peer":     peer,
	}).Info("Key exchange initiated")

	return &Envelope{
		Version: CurrentVersion,
		Type:    EnvelopeKeyExchangeInit,
		Payload: msg,
	}, nil
}

// ProcessKeyExchange validates a received key-exchange envelope and
// establishes or updates the session. For an initiation the result carries
// the response envelope to send back; for a response it completes the
// pending handshake.
func (sc *SessionCipher) ProcessKeyExchange(peer string, data []byte) ExchangeResult {
	l := sc.lockFor(peer)
	l.Lock()
	defer l.Unlock()

	env, err := ParseEnvelope(data)
	if err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}
	if env.Version < MinSupportedVersion {
		return ExchangeResult{Status: ExchangeLegacy}
	}
	if env.Version > CurrentVersion {
		return ExchangeResult{Status: ExchangeInvalidVersion}
	}

	switch env.Type {
	case EnvelopeKeyExchangeInit:
		return sc.processInitiation(peer, env)
	case EnvelopeKeyExchangeResponse:
		return sc.processResponse(peer, env)
	default:
		return ExchangeResult{Status: ExchangeCorrupt}
	}
}

func (sc *SessionCipher) processInitiation(peer string, env *Envelope) ExchangeResult {
	hs, err := newHandshakeState(false, sc.identity, [32]byte{})
	if err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	if _, _, _, err := hs.ReadMessage(nil, env.Payload); err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	var peerIdentity [32]byte
	copy(peerIdentity[:], hs.PeerStatic())

	if pinned, ok := sc.store.IdentityOf(peer); ok && pinned != peerIdentity {
		logrus.WithFields(logrus.Fields{
			"function": "processInitiation",
			"peer":     peer,
		}).Warn("Key exchange from untrusted identity, rejecting")
		return ExchangeResult{Status: ExchangeUntrusted}
	}

	response, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	session, err := newSessionFromHandshake(peer, peerIdentity, hs.ChannelBinding(), false)
	if err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	if err := sc.store.RegisterIdentity(peer, peerIdentity); err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}
	if err := sc.store.StoreSession(session); err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	logrus.WithFields(logrus.Fields{
		"function": "processInitiation",
		"peer":     peer,
	}).Info("Session established from key exchange")

	return ExchangeResult{
		Status: ExchangeProcessed,
		Response: &Envelope{
			Version: CurrentVersion,
			Type:    EnvelopeKeyExchangeResponse,
			Payload: response,
		},
	}
}

func (sc *SessionCipher) processResponse(peer string, env *Envelope) ExchangeResult {
	sc.mu.Lock()
	hs, ok := sc.pending[peer]
	if ok {
		delete(sc.pending, peer)
	}
	sc.mu.Unlock()

	if !ok {
		return ExchangeResult{Status: ExchangeStale}
	}

	if _, _, _, err := hs.ReadMessage(nil, env.Payload); err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	var peerIdentity [32]byte
	copy(peerIdentity[:], hs.PeerStatic())

	session, err := newSessionFromHandshake(peer, peerIdentity, hs.ChannelBinding(), true)
	if err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	if err := sc.store.StoreSession(session); err != nil {
		return ExchangeResult{Status: ExchangeCorrupt}
	}

	logrus.WithFields(logrus.Fields{
		"function": "processResponse",
		"peer":     peer,
	}).Info("Pending key exchange completed")

	return ExchangeResult{Status: ExchangeProcessed}
}

// EndSession deletes all ratchet state for the peer. Subsequent sends must
// re-key.
func (sc *SessionCipher) EndSession(peer string) error {
	l := sc.lockFor(peer)
	l.Lock()
	defer l.Unlock()

	sc.mu.Lock()
	delete(sc.pending, peer)
	sc.mu.Unlock()

	return sc.store.DeleteAllSessions(peer)
}

// HasSession reports whether an established session exists for the peer.
func (sc *SessionCipher) HasSession(peer string) bool {
	return sc.store.ContainsSession(peer)
}
