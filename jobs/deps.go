// Package jobs implements the protocol jobs moving messages through the
// pipeline: sending and receiving SMS, decrypting assembled envelopes,
// sending and downloading MMS, plus the Sender facade that creates them.
// Every job converts its failures to message-state mutations at the job
// boundary; nothing propagates uncaught.
package jobs

import (
	"errors"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/notify"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
	"github.com/opd-ai/smsecure/wire"
)

// ErrUndeliverable indicates a message that can never be sent: malformed
// destination, empty recipient set, or an oversize attachment that cannot
// be scaled. Always terminal, never retried.
var ErrUndeliverable = errors.New("undeliverable message")

// MmsGroupID serializes every MMS operation; no two MMS jobs run
// concurrently.
const MmsGroupID = "mms-operation"

// smsGroup serializes SMS work per peer, so ratchet advancement and
// delivery-state transitions for one conversation stay ordered.
func smsGroup(peer string) string {
	return "sms-" + peer
}

// SecureEnvelopeContentType marks the MMS body part carrying an encrypted
// envelope instead of readable text.
const SecureEnvelopeContentType = "application/x-secure-envelope"

// AttachmentScaler shrinks oversize attachments to fit carrier limits.
// Hosts provide a media-aware implementation; a nil scaler makes oversize
// attachments undeliverable.
type AttachmentScaler interface {
	Scale(att message.Attachment, maxSize int64) (message.Attachment, error)
}

// Options carries the policy knobs jobs consult.
type Options struct {
	SubscriptionID         int
	SmsMaxRetries          int
	AutoRespondKeyExchange bool
	AutoDownloadMms        bool
	// MaxAttachmentSize bounds one MMS attachment; zero means unbounded.
	MaxAttachmentSize int64
	// MaxAutoDownloadSize bounds the advertised size an MMS may have and
	// still be retrieved automatically; zero means unbounded.
	MaxAutoDownloadSize int64
}

// Deps bundles the collaborators every job needs. All handles are injected
// at construction; jobs hold no global state.
type Deps struct {
	Messages  *store.MessageStore
	Cipher    *crypto.SessionCipher
	Sessions  crypto.SessionStore
	Secrets   *crypto.MasterSecretCache
	Transport transport.Transport
	Notifier  notify.Notifier
	Queue     *queue.Queue
	Env       *queue.Env
	Assembler *wire.Assembler
	Scaler    AttachmentScaler
	Options   Options
}
