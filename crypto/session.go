package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MaxSkippedKeys bounds how far the receive chain steps forward for a single
// message. The index is attacker-controlled and read before authentication,
// so an index beyond the window is rejected up front instead of derived
// toward; otherwise one forged envelope could hold the peer lock for hours.
const MaxSkippedKeys = 2000

// ErrIndexTooFarAhead indicates a receive index beyond the skip window.
var ErrIndexTooFarAhead = errors.New("ratchet index beyond skip window")

// chainState is one direction of a session's key chain. Key always
// corresponds to the next index the chain will produce.
type chainState struct {
	Key  [32]byte `json:"key"`
	Next uint32   `json:"next"`
}

// Session is the per-recipient-device ratchet state. It accumulates
// monotonically: every send advances the send chain, every successful decrypt
// advances the receive chain. Sessions are mutated only under the
// SessionCipher's per-peer lock.
type Session struct {
	Peer         string     `json:"peer"`
	PeerIdentity [32]byte   `json:"peer_identity"`
	SendChain    chainState `json:"send_chain"`
	RecvChain    chainState `json:"recv_chain"`
	// RecvLast is the highest consumed receive index. Any decrypt attempt at
	// or below it is a duplicate.
	RecvLast    uint32    `json:"recv_last"`
	Established time.Time `json:"established"`
}

const (
	chainInfoInitiator = "smsecure-chain-i2r"
	chainInfoResponder = "smsecure-chain-r2i"
	kdfInfoMessage     = "smsecure-msg"
	kdfInfoChain       = "smsecure-chain"
)

// deriveKey expands key material with HKDF-SHA256 under a domain label.
func deriveKey(secret []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// newSessionFromHandshake derives both chain roots from the Noise channel
// binding. Both ends derive identical chains with the directions swapped.
func newSessionFromHandshake(peer string, peerIdentity [32]byte, binding []byte, initiator bool) (*Session, error) {
	i2r, err := deriveKey(binding, chainInfoInitiator)
	if err != nil {
		return nil, err
	}
	r2i, err := deriveKey(binding, chainInfoResponder)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Peer:         peer,
		PeerIdentity: peerIdentity,
		Established:  time.Now(),
		SendChain:    chainState{Next: 1},
		RecvChain:    chainState{Next: 1},
	}

	if initiator {
		s.SendChain.Key = i2r
		s.RecvChain.Key = r2i
	} else {
		s.SendChain.Key = r2i
		s.RecvChain.Key = i2r
	}

	return s, nil
}

// step derives the message key for the chain's current index and advances
// the chain key.
func (c *chainState) step() ([32]byte, uint32, error) {
	msgKey, err := deriveKey(c.Key[:], kdfInfoMessage)
	if err != nil {
		return msgKey, 0, err
	}
	nextKey, err := deriveKey(c.Key[:], kdfInfoChain)
	if err != nil {
		return msgKey, 0, err
	}

	index := c.Next
	c.Key = nextKey
	c.Next = index + 1
	return msgKey, index, nil
}

// nextSendKey advances the send chain and returns the message key and its
// strictly increasing index.
func (s *Session) nextSendKey() ([32]byte, uint32, error) {
	return s.SendChain.step()
}

// receiveKey derives the message key for index. The duplicate return is true
// when index was already consumed; the chain is not advanced in that case.
// Skipped indices are stepped over and their keys discarded, at most
// MaxSkippedKeys of them.
func (s *Session) receiveKey(index uint32) (key [32]byte, duplicate bool, err error) {
	if index <= s.RecvLast {
		return key, true, nil
	}
	if index-s.RecvChain.Next >= MaxSkippedKeys {
		return key, false, fmt.Errorf("%w: index %d, chain at %d", ErrIndexTooFarAhead, index, s.RecvChain.Next)
	}

	for {
		k, i, stepErr := s.RecvChain.step()
		if stepErr != nil {
			return key, false, stepErr
		}
		if i == index {
			s.RecvLast = index
			return k, false, nil
		}
		if i > index {
			// Unreachable given the duplicate check above.
			return key, false, fmt.Errorf("receive chain overshot index %d", index)
		}
	}
}
