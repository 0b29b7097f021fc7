package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/wire"
)

// SmsDecryptJob processes one stored ciphertext message: opening secure
// envelopes, applying end-session teardown, and handling key-exchange
// negotiation. Every cipher outcome maps to a message mark; none of them is
// a retryable failure.
type SmsDecryptJob struct {
	deps *Deps

	MessageID string `json:"message_id"`
	Peer      string `json:"peer"`
	// ManualOverride processes a key exchange that was parked for user
	// action because auto-respond is disabled.
	ManualOverride bool `json:"manual_override"`
}

// NewSmsDecryptJob creates a decrypt job for a stored incoming message.
func NewSmsDecryptJob(deps *Deps, messageID, peer string, manualOverride bool) *SmsDecryptJob {
	return &SmsDecryptJob{deps: deps, MessageID: messageID, Peer: peer, ManualOverride: manualOverride}
}

func (j *SmsDecryptJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID: smsGroup(j.Peer),
		Requirements: []queue.Requirement{
			queue.MasterSecretRequirement{Env: j.deps.Env},
		},
		Persistent: true,
	}
}

func (j *SmsDecryptJob) TypeTag() string { return "sms-decrypt" }

func (j *SmsDecryptJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *SmsDecryptJob) Run(ctx context.Context) error {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return queue.Retryable(err)
	}

	data, err := wire.DecodeEnvelope(msg.Body)
	if err != nil {
		return j.mark(ctx, msg, message.MarkDecryptFailed)
	}

	switch msg.Kind {
	case message.KindSecure, message.KindEndSession:
		return j.decryptMessage(ctx, msg, data)
	case message.KindKeyExchange, message.KindPreKeyBundle, message.KindFallbackExchange:
		return j.processExchange(ctx, msg, data)
	default:
		return nil
	}
}

func (j *SmsDecryptJob) decryptMessage(ctx context.Context, msg *message.Message, data []byte) error {
	res := j.deps.Cipher.Decrypt(j.Peer, data, true)

	switch res.Status {
	case crypto.DecryptOK:
		kind := msg.Kind
		if res.SessionEnded {
			kind = message.KindEndSession
		}
		if err := j.deps.Messages.UpdateBody(ctx, j.MessageID, res.Plaintext, kind); err != nil {
			return queue.Retryable(err)
		}
		j.deps.Notifier.UpdateNotification(msg.ThreadID)
		return nil
	case crypto.DecryptDuplicate:
		return j.mark(ctx, msg, message.MarkDecryptDuplicate)
	case crypto.DecryptLegacy:
		return j.mark(ctx, msg, message.MarkLegacyVersion)
	case crypto.DecryptNoSession:
		return j.mark(ctx, msg, message.MarkNoSession)
	default:
		return j.mark(ctx, msg, message.MarkDecryptFailed)
	}
}

func (j *SmsDecryptJob) processExchange(ctx context.Context, msg *message.Message, data []byte) error {
	if !j.deps.Options.AutoRespondKeyExchange && !j.ManualOverride {
		// Parked for explicit user action; ProcessPendingExchange replays
		// it with the override set.
		if err := j.deps.Messages.UpdateBody(ctx, j.MessageID, msg.Body, message.KindFallbackExchange); err != nil {
			return queue.Retryable(err)
		}
		logrus.WithFields(logrus.Fields{
			"function":  "processExchange",
			"messageID": j.MessageID,
			"peer":      j.Peer,
		}).Info("Key exchange held for manual processing")
		return nil
	}

	res := j.deps.Cipher.ProcessKeyExchange(j.Peer, data)

	switch res.Status {
	case crypto.ExchangeProcessed:
		if err := j.mark(ctx, msg, message.MarkProcessedKeyExchange); err != nil {
			return err
		}
		if res.Response != nil {
			return j.sendResponse(ctx, res.Response)
		}
		return nil
	case crypto.ExchangeInvalidVersion:
		return j.mark(ctx, msg, message.MarkInvalidVersionKeyExchange)
	case crypto.ExchangeLegacy:
		return j.mark(ctx, msg, message.MarkLegacyVersion)
	case crypto.ExchangeStale:
		return j.mark(ctx, msg, message.MarkStaleKeyExchange)
	case crypto.ExchangeUntrusted:
		return j.mark(ctx, msg, message.MarkUntrustedIdentity)
	default:
		return j.mark(ctx, msg, message.MarkCorruptKeyExchange)
	}
}

// sendResponse stores and queues the reply leg of a processed key exchange.
func (j *SmsDecryptJob) sendResponse(ctx context.Context, response *crypto.Envelope) error {
	out := message.New(message.KindKeyExchange, wire.EncodeEnvelope(response.Marshal()), j.Peer)
	id, _, err := j.deps.Messages.InsertOutbox(ctx, out)
	if err != nil {
		return queue.Retryable(err)
	}
	if _, err := j.deps.Queue.Add(ctx, NewSmsSendJob(j.deps, id, j.Peer)); err != nil {
		return queue.Retryable(err)
	}
	return nil
}

func (j *SmsDecryptJob) mark(ctx context.Context, msg *message.Message, mark message.ReceiveMark) error {
	if err := j.deps.Messages.SetMark(ctx, j.MessageID, mark); err != nil {
		return queue.Retryable(err)
	}
	logrus.WithFields(logrus.Fields{
		"function":  "mark",
		"messageID": j.MessageID,
		"peer":      j.Peer,
		"mark":      mark,
	}).Warn("Cipher outcome recorded on message")
	j.deps.Notifier.UpdateNotification(msg.ThreadID)
	return nil
}

func (j *SmsDecryptJob) OnCanceled(ctx context.Context) {
	// Best effort: leave the ciphertext marked so it is not mistaken for
	// readable text.
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if err != nil || msg.Mark != message.MarkNone {
		return
	}
	_ = j.deps.Messages.SetMark(ctx, j.MessageID, message.MarkDecryptFailed)
}
