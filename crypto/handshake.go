package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// The session handshake is Noise-IK: the initiator must already know the
// responder's identity key, and the responder learns (and pins) the
// initiator's identity from the first message. The completed handshake's
// channel binding seeds both chain keys.
const noisePattern = "Noise_IK_25519_ChaChaPoly_SHA256"

// newHandshakeState creates an IK handshake state. peerStatic is required for
// the initiator and ignored for the responder.
func newHandshakeState(initiator bool, static *KeyPair, peerStatic [32]byte) (*noise.HandshakeState, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	cfg := noise.Config{
		CipherSuite: cs,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: static.Private[:],
			Public:  static.Public[:],
		},
	}
	if initiator {
		cfg.PeerStatic = peerStatic[:]
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return hs, nil
}
