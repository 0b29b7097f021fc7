package crypto

import (
	"encoding/binary"
	"errors"
)

// Protocol versions. Envelopes below the minimum are legacy: the message is
// stored unmodified and a user-visible marker set, never retried.
const (
	CurrentVersion      = 3
	MinSupportedVersion = 3
)

// EnvelopeType distinguishes ratchet messages from handshake traffic.
type EnvelopeType uint8

const (
	// EnvelopeMessage is a ratchet-encrypted message body.
	EnvelopeMessage EnvelopeType = iota + 1
	// EnvelopeKeyExchangeInit is the initiator handshake message. It doubles
	// as the pre-key bundle: it establishes a session without prior contact.
	EnvelopeKeyExchangeInit
	// EnvelopeKeyExchangeResponse completes a pending handshake.
	EnvelopeKeyExchangeResponse
)

// ErrEnvelopeTruncated indicates the envelope is too short for its type.
var ErrEnvelopeTruncated = errors.New("envelope truncated")

// ErrEnvelopeType indicates an unknown envelope type byte.
var ErrEnvelopeType = errors.New("unknown envelope type")

const (
	envelopeHeaderLen = 2
	messageHeaderLen  = envelopeHeaderLen + 4 + 24
)

// Envelope is the decoded binary frame carried inside a wire-prefixed
// transport message.
type Envelope struct {
	Version uint8
	Type    EnvelopeType
	// Index is the strictly increasing ratchet position. Message envelopes
	// only.
	Index uint32
	// Nonce is the secretbox nonce. Message envelopes only.
	Nonce [24]byte
	// Payload is the secretbox ciphertext, or the raw handshake message for
	// key-exchange envelopes.
	Payload []byte
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() []byte {
	if e.Type == EnvelopeMessage {
		buf := make([]byte, messageHeaderLen+len(e.Payload))
		buf[0] = e.Version
		buf[1] = byte(e.Type)
		binary.BigEndian.PutUint32(buf[2:6], e.Index)
		copy(buf[6:30], e.Nonce[:])
		copy(buf[30:], e.Payload)
		return buf
	}

	buf := make([]byte, envelopeHeaderLen+len(e.Payload))
	buf[0] = e.Version
	buf[1] = byte(e.Type)
	copy(buf[2:], e.Payload)
	return buf
}

// ParseEnvelope decodes a binary envelope. Version acceptance is decided by
// the caller; parsing only validates structure.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < envelopeHeaderLen {
		return nil, ErrEnvelopeTruncated
	}

	env := &Envelope{
		Version: data[0],
		Type:    EnvelopeType(data[1]),
	}

	switch env.Type {
	case EnvelopeMessage:
		if len(data) < messageHeaderLen {
			return nil, ErrEnvelopeTruncated
		}
		env.Index = binary.BigEndian.Uint32(data[2:6])
		copy(env.Nonce[:], data[6:30])
		env.Payload = data[30:]
	case EnvelopeKeyExchangeInit, EnvelopeKeyExchangeResponse:
		env.Payload = data[2:]
	default:
		return nil, ErrEnvelopeType
	}

	return env, nil
}
