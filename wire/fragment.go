package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opd-ai/smsecure/message"
)

// Wire prefixes mark secure traffic so the receiver can classify and buffer
// segments before attempting decryption.
const (
	PrefixSecureMessage = "?SSM"
	PrefixKeyExchange   = "?SKE"
	PrefixPreKeyBundle  = "?SPB"
	PrefixEndSession    = "?SES"

	prefixLen = 4
)

const (
	// SegmentSize is the transport-imposed maximum segment length.
	SegmentSize = 160
	// multiPlainSegmentSize is the per-segment capacity of concatenated
	// plaintext SMS.
	multiPlainSegmentSize = 153
	// headerLen is id(8) + index(2) + count(2) hex characters.
	headerLen = 12
	// segmentPayload is the per-segment capacity of prefixed payloads.
	segmentPayload = SegmentSize - prefixLen - headerLen
	// MaxSegments bounds one logical message (two hex digits of count).
	MaxSegments = 255
)

// ErrTooManySegments indicates the payload cannot fit the multipart framing.
var ErrTooManySegments = errors.New("payload exceeds maximum segment count")

// ErrSegmentMalformed indicates a prefixed segment with a corrupt header.
var ErrSegmentMalformed = errors.New("malformed multipart segment")

var kindPrefixes = map[message.Kind]string{
	message.KindSecure:       PrefixSecureMessage,
	message.KindKeyExchange:  PrefixKeyExchange,
	message.KindPreKeyBundle: PrefixPreKeyBundle,
	message.KindEndSession:   PrefixEndSession,
}

// IsPrefixed reports whether a segment carries one of the secure wire
// prefixes.
func IsPrefixed(segment string) bool {
	_, ok := KindOfPrefix(segment)
	return ok
}

// KindOfPrefix classifies a prefixed segment.
func KindOfPrefix(segment string) (message.Kind, bool) {
	if len(segment) < prefixLen {
		return message.KindPlain, false
	}
	switch segment[:prefixLen] {
	case PrefixSecureMessage:
		return message.KindSecure, true
	case PrefixKeyExchange:
		return message.KindKeyExchange, true
	case PrefixPreKeyBundle:
		return message.KindPreKeyBundle, true
	case PrefixEndSession:
		return message.KindEndSession, true
	default:
		return message.KindPlain, false
	}
}

// EncodeEnvelope converts envelope bytes into the transport text alphabet.
func EncodeEnvelope(envelope []byte) string {
	return base64.StdEncoding.EncodeToString(envelope)
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return data, nil
}

// Fragment splits an envelope into prefixed transport segments. Every
// segment carries the same message identifier plus its index and the total
// count, so the receiver can buffer and reorder before decryption.
func Fragment(kind message.Kind, envelope []byte) ([]string, error) {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		return nil, fmt.Errorf("kind %d has no wire prefix", kind)
	}

	encoded := EncodeEnvelope(envelope)

	count := (len(encoded) + segmentPayload - 1) / segmentPayload
	if count == 0 {
		count = 1
	}
	if count > MaxSegments {
		return nil, fmt.Errorf("%w: %d", ErrTooManySegments, count)
	}

	var id [4]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	idHex := hex.EncodeToString(id[:])

	segments := make([]string, 0, count)
	for i := 0; i < count; i++ {
		start := i * segmentPayload
		end := start + segmentPayload
		if end > len(encoded) {
			end = len(encoded)
		}
		segments = append(segments, fmt.Sprintf("%s%s%02x%02x%s", prefix, idHex, i, count, encoded[start:end]))
	}

	return segments, nil
}

// DividePlaintext splits an unencrypted body into carrier-sized segments:
// a single segment when it fits, concatenated parts otherwise.
func DividePlaintext(body string) []string {
	if len(body) <= SegmentSize {
		return []string{body}
	}

	var parts []string
	for start := 0; start < len(body); start += multiPlainSegmentSize {
		end := start + multiPlainSegmentSize
		if end > len(body) {
			end = len(body)
		}
		parts = append(parts, body[start:end])
	}
	return parts
}

// segmentHeader is the parsed framing of one prefixed segment.
type segmentHeader struct {
	kind    message.Kind
	id      string
	index   int
	count   int
	payload string
}

func parseSegment(segment string) (*segmentHeader, error) {
	kind, ok := KindOfPrefix(segment)
	if !ok || len(segment) < prefixLen+headerLen {
		return nil, ErrSegmentMalformed
	}

	body := segment[prefixLen:]
	var index, count int
	if _, err := fmt.Sscanf(body[8:12], "%02x%02x", &index, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentMalformed, err)
	}
	if count == 0 || index >= count {
		return nil, ErrSegmentMalformed
	}

	return &segmentHeader{
		kind:    kind,
		id:      body[:8],
		index:   index,
		count:   count,
		payload: body[headerLen:],
	}, nil
}
