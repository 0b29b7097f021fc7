package message

import (
	"time"

	"github.com/google/uuid"
)

// Direction indicates whether a message was composed locally or delivered
// by the transport.
type Direction uint8

const (
	// DirectionIncoming represents a message received from the network.
	DirectionIncoming Direction = iota
	// DirectionOutgoing represents a locally composed message.
	DirectionOutgoing
)

// Kind classifies the payload carried by a message.
type Kind uint8

const (
	// KindPlain is an unencrypted text message.
	KindPlain Kind = iota
	// KindSecure is a ratchet-encrypted message.
	KindSecure
	// KindKeyExchange carries a session negotiation envelope.
	KindKeyExchange
	// KindEndSession tears down the ratchet session for the peer.
	KindEndSession
	// KindPreKeyBundle establishes a new session without prior interaction.
	KindPreKeyBundle
	// KindFallbackExchange is a key exchange awaiting manual action.
	KindFallbackExchange
)

// SendState is the outgoing delivery state machine.
type SendState uint8

const (
	// SendStatePending means the message is queued but not yet dispatched.
	SendStatePending SendState = iota
	// SendStateConnecting means a send job is actively delivering it.
	SendStateConnecting
	// SendStateSentOk means the transport accepted every segment.
	SendStateSentOk
	// SendStateDelivered means the carrier confirmed delivery.
	SendStateDelivered
	// SendStateSentFailedSoft is a retryable transport failure.
	SendStateSentFailedSoft
	// SendStateSentFailedHard is a terminal failure; the message will not
	// be retried.
	SendStateSentFailedHard
	// SendStatePendingInsecureFallback means no session exists and the send
	// is parked until the user approves plaintext transport.
	SendStatePendingInsecureFallback
)

// DownloadState is the incoming MMS retrieval state machine.
type DownloadState uint8

const (
	// DownloadStateNone applies to messages that are not MMS notifications.
	DownloadStateNone DownloadState = iota
	// DownloadStateNotificationReceived means only the carrier notification
	// placeholder is present.
	DownloadStateNotificationReceived
	// DownloadStateConnecting means a download job is retrieving the PDU.
	DownloadStateConnecting
	// DownloadStateStored means the content was retrieved and assembled.
	DownloadStateStored
	// DownloadStateApnUnavailable means no usable carrier APN was found.
	DownloadStateApnUnavailable
	// DownloadStateSoftFailure is eligible for a future manual retry.
	DownloadStateSoftFailure
	// DownloadStateHardFailure is terminal.
	DownloadStateHardFailure
)

// ReceiveMark records the cipher-layer verdict on a received message.
// These conditions are expected adversarial or out-of-order cases, recorded
// on the message rather than propagated as failures.
type ReceiveMark uint8

const (
	// MarkNone means no cipher verdict applies.
	MarkNone ReceiveMark = iota
	// MarkAwaitingKey means the ciphertext is stored and decryption is
	// deferred until the master secret becomes available.
	MarkAwaitingKey
	// MarkLegacyVersion means the envelope predates the supported protocol.
	MarkLegacyVersion
	// MarkDecryptFailed means cryptographic or format failure.
	MarkDecryptFailed
	// MarkDecryptDuplicate means the ratchet index was already consumed.
	MarkDecryptDuplicate
	// MarkNoSession means no ratchet session exists for the sender.
	MarkNoSession
	// MarkProcessedKeyExchange means a key exchange was accepted.
	MarkProcessedKeyExchange
	// MarkInvalidVersionKeyExchange means the exchange version is unsupported.
	MarkInvalidVersionKeyExchange
	// MarkCorruptKeyExchange means the exchange envelope failed validation.
	MarkCorruptKeyExchange
	// MarkStaleKeyExchange means the exchange responds to a superseded
	// negotiation.
	MarkStaleKeyExchange
	// MarkUntrustedIdentity means the exchange came from an identity key
	// that does not match the pinned key for the sender.
	MarkUntrustedIdentity
)

// Message is the logical unit of communication moving through the pipeline.
type Message struct {
	ID             string
	ThreadID       string
	Direction      Direction
	Kind           Kind
	Body           string
	Sender         string
	Recipients     []string
	SubscriptionID int
	Attachments    []Attachment

	CreatedAt  time.Time
	SentAt     time.Time
	ReceivedAt time.Time

	SendState      SendState
	DownloadState  DownloadState
	Mark           ReceiveMark
	UpgradedSecure bool

	// ContentLocation and TransactionID are set on MMS notification
	// placeholders and drive the retrieval job.
	ContentLocation string
	TransactionID   []byte
}

// New creates an outgoing message in the pending state.
func New(kind Kind, body string, recipients ...string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Direction:  DirectionOutgoing,
		Kind:       kind,
		Body:       body,
		Recipients: recipients,
		CreatedAt:  time.Now(),
		SendState:  SendStatePending,
	}
}

// NewIncoming creates an inbound message from an assembled transport payload.
func NewIncoming(kind Kind, sender, body string, subscriptionID int) *Message {
	return &Message{
		ID:             uuid.NewString(),
		Direction:      DirectionIncoming,
		Kind:           kind,
		Body:           body,
		Sender:         sender,
		SubscriptionID: subscriptionID,
		CreatedAt:      time.Now(),
		ReceivedAt:     time.Now(),
	}
}

// IsSecure reports whether the body is (or must become) ciphertext.
func (m *Message) IsSecure() bool {
	return m.Kind == KindSecure || m.Kind == KindEndSession
}

// RequiresDecryption reports whether a decrypt job must process the message
// before it is readable.
func (m *Message) RequiresDecryption() bool {
	switch m.Kind {
	case KindSecure, KindEndSession, KindKeyExchange, KindPreKeyBundle:
		return true
	default:
		return false
	}
}

// PrimaryRecipient returns the first recipient, or "" when the set is empty.
func (m *Message) PrimaryRecipient() string {
	if len(m.Recipients) == 0 {
		return ""
	}
	return m.Recipients[0]
}
