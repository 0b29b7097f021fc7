package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/mms"
	"github.com/opd-ai/smsecure/wire"
)

// ErrNotActionable indicates a fallback approval or manual exchange request
// for a message not in the matching parked state.
var ErrNotActionable = fmt.Errorf("message is not awaiting that action")

// Sender is the facade callers use to move messages: it stores the message
// and creates the matching queue job. Incoming traffic enters through the
// Receive methods.
type Sender struct {
	deps *Deps
}

// NewSender creates the facade over an assembled dependency set.
func NewSender(deps *Deps) *Sender {
	return &Sender{deps: deps}
}

// SendText queues a plaintext SMS.
func (s *Sender) SendText(ctx context.Context, recipient, body string) (string, error) {
	return s.queueSms(ctx, message.New(message.KindPlain, body, recipient))
}

// SendSecureText queues a ratchet-encrypted SMS. With no session for the
// peer the message parks in the insecure-fallback state.
func (s *Sender) SendSecureText(ctx context.Context, recipient, body string) (string, error) {
	return s.queueSms(ctx, message.New(message.KindSecure, body, recipient))
}

// SendEndSession queues the encrypted termination message. The local
// ratchet is deleted once the carrier accepts it; the peer deletes theirs
// on decrypt.
func (s *Sender) SendEndSession(ctx context.Context, recipient string) (string, error) {
	return s.queueSms(ctx, message.New(message.KindEndSession, crypto.EndSessionBody, recipient))
}

func (s *Sender) queueSms(ctx context.Context, msg *message.Message) (string, error) {
	msg.SubscriptionID = s.deps.Options.SubscriptionID
	id, _, err := s.deps.Messages.InsertOutbox(ctx, msg)
	if err != nil {
		return "", err
	}
	if _, err := s.deps.Queue.Add(ctx, NewSmsSendJob(s.deps, id, msg.PrimaryRecipient())); err != nil {
		return "", err
	}
	return id, nil
}

// SendMedia queues an MMS carrying a body and attachments.
func (s *Sender) SendMedia(ctx context.Context, recipients []string, body string, secure bool, attachments ...message.Attachment) (string, error) {
	kind := message.KindPlain
	if secure {
		kind = message.KindSecure
	}
	msg := message.New(kind, body, recipients...)
	msg.SubscriptionID = s.deps.Options.SubscriptionID
	msg.Attachments = attachments

	id, _, err := s.deps.Messages.InsertOutbox(ctx, msg)
	if err != nil {
		return "", err
	}
	if _, err := s.deps.Queue.Add(ctx, NewMmsSendJob(s.deps, id)); err != nil {
		return "", err
	}
	return id, nil
}

// RegisterPeerIdentity pins a peer's identity key, enabling key-exchange
// initiation toward that peer.
func (s *Sender) RegisterPeerIdentity(peer string, identity [32]byte) error {
	return s.deps.Sessions.RegisterIdentity(peer, identity)
}

// InitiateKeyExchange starts a session negotiation with a peer whose
// identity is registered and queues the pre-key bundle message.
func (s *Sender) InitiateKeyExchange(ctx context.Context, peer string) (string, error) {
	env, err := s.deps.Cipher.InitiateKeyExchange(peer)
	if err != nil {
		return "", err
	}

	msg := message.New(message.KindPreKeyBundle, wire.EncodeEnvelope(env.Marshal()), peer)
	return s.queueSms(ctx, msg)
}

// ApproveFallback downgrades a send parked in the insecure-fallback state
// to plaintext transport and queues a fresh attempt. Only the explicit
// approval recorded here ever resolves that state.
func (s *Sender) ApproveFallback(ctx context.Context, messageID string) error {
	msg, err := s.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SendState != message.SendStatePendingInsecureFallback {
		return fmt.Errorf("%w: state %d", ErrNotActionable, msg.SendState)
	}

	if err := s.deps.Messages.UpdateBody(ctx, messageID, msg.Body, message.KindPlain); err != nil {
		return err
	}
	if err := s.deps.Messages.MarkSendState(ctx, messageID, message.SendStatePending); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ApproveFallback",
		"messageID": messageID,
		"peer":      msg.PrimaryRecipient(),
	}).Info("Insecure fallback approved, re-queueing as plaintext")

	_, err = s.deps.Queue.Add(ctx, NewSmsSendJob(s.deps, messageID, msg.PrimaryRecipient()))
	return err
}

// Receive records one raw incoming SMS segment.
func (s *Sender) Receive(ctx context.Context, sender, text string, subscriptionID int) error {
	_, err := s.deps.Queue.Add(ctx, NewSmsReceiveJob(s.deps, sender, text, subscriptionID))
	return err
}

// ReceiveMmsNotification stores a notification placeholder and, under the
// auto-download policy, queues its retrieval immediately. A placeholder
// created while the device is locked is marked awaiting key so the inbox
// never shows it stuck.
func (s *Sender) ReceiveMmsNotification(ctx context.Context, pdu []byte, subscriptionID int) (string, error) {
	ind, err := mms.ParseNotificationInd(pdu)
	if err != nil {
		return "", fmt.Errorf("parse notification: %w", err)
	}

	placeholder := message.NewIncoming(message.KindPlain, ind.From, "", subscriptionID)
	placeholder.DownloadState = message.DownloadStateNotificationReceived
	placeholder.ContentLocation = ind.ContentLocation
	placeholder.TransactionID = []byte(ind.TransactionID)
	if !s.deps.Secrets.Available() {
		placeholder.Mark = message.MarkAwaitingKey
	}

	id, threadID, err := s.deps.Messages.InsertInbox(ctx, placeholder)
	if err != nil {
		return "", err
	}
	s.deps.Notifier.UpdateNotification(threadID)

	if s.deps.Options.AutoDownloadMms {
		if max := s.deps.Options.MaxAutoDownloadSize; max > 0 && int64(ind.MessageSize) > max {
			logrus.WithFields(logrus.Fields{
				"function":    "ReceiveMmsNotification",
				"messageID":   id,
				"messageSize": ind.MessageSize,
				"bound":       max,
			}).Info("Advertised size exceeds auto-download bound, waiting for manual retrieval")
			return id, nil
		}
		_, err = s.deps.Queue.Add(ctx, NewMmsDownloadJob(s.deps, id, ind.ContentLocation, ind.TransactionID))
		if err != nil {
			return "", err
		}
	}
	return id, nil
}

// DownloadMms queues a manual retrieval for a resolved placeholder, the
// re-attempt path for soft download failures.
func (s *Sender) DownloadMms(ctx context.Context, messageID string) error {
	msg, err := s.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	switch msg.DownloadState {
	case message.DownloadStateNotificationReceived, message.DownloadStateApnUnavailable, message.DownloadStateSoftFailure:
	default:
		return fmt.Errorf("%w: download state %d", ErrNotActionable, msg.DownloadState)
	}

	_, err = s.deps.Queue.Add(ctx, NewMmsDownloadJob(s.deps, messageID, msg.ContentLocation, string(msg.TransactionID)))
	return err
}

// ProcessPendingExchange replays a key exchange that was held for manual
// action, with the override set.
func (s *Sender) ProcessPendingExchange(ctx context.Context, messageID string) error {
	msg, err := s.deps.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Kind != message.KindFallbackExchange {
		return fmt.Errorf("%w: kind %d", ErrNotActionable, msg.Kind)
	}

	_, err = s.deps.Queue.Add(ctx, NewSmsDecryptJob(s.deps, messageID, msg.Sender, true))
	return err
}
