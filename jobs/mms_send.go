package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/mms"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
)

// MmsSendJob composes and submits one MMS. It validates the recipient set,
// scales oversize attachments, seals the body when the message is secure,
// and verifies the MMSC confirmation answers the transaction it sent.
type MmsSendJob struct {
	deps *Deps

	MessageID string `json:"message_id"`
}

// NewMmsSendJob creates a send job for a stored outgoing MMS.
func NewMmsSendJob(deps *Deps, messageID string) *MmsSendJob {
	return &MmsSendJob{deps: deps, MessageID: messageID}
}

func (j *MmsSendJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID: MmsGroupID,
		Requirements: []queue.Requirement{
			queue.MediaNetworkRequirement{Env: j.deps.Env},
			queue.MasterSecretRequirement{Env: j.deps.Env},
		},
		Persistent: true,
		MaxRetries: j.deps.Options.SmsMaxRetries,
	}
}

func (j *MmsSendJob) TypeTag() string { return "mms-send" }

func (j *MmsSendJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *MmsSendJob) Run(ctx context.Context) error {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return queue.Retryable(err)
	}
	if msg.SendState == message.SendStateSentOk || msg.SendState == message.SendStateDelivered {
		return nil
	}

	if err := validateRecipients(msg.Recipients); err != nil {
		return err
	}
	if err := j.deps.Messages.MarkSendState(ctx, j.MessageID, message.SendStateConnecting); err != nil {
		return queue.Retryable(err)
	}

	req, secure, err := j.compose(ctx, msg)
	if err != nil || req == nil {
		return err
	}

	conf, err := j.deps.Transport.SendMms(ctx, req.Marshal(), msg.SubscriptionID)
	if err != nil {
		if merr := j.deps.Messages.MarkSendState(ctx, j.MessageID, message.SendStateSentFailedSoft); merr != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Run",
				"job":       j.TypeTag(),
				"messageID": j.MessageID,
				"error":     merr.Error(),
			}).Error("Failed to record soft failure")
		}
		if transport.IsTransient(err) {
			return queue.Retryable(err)
		}
		return err
	}

	return j.settleConfirmation(ctx, msg, req, conf, secure)
}

func validateRecipients(recipients []string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("%w: empty recipient set", ErrUndeliverable)
	}
	for _, r := range recipients {
		if r == "" {
			return fmt.Errorf("%w: empty destination", ErrUndeliverable)
		}
	}
	return nil
}

// compose builds the send request. A nil request with a nil error means the
// send was parked pending fallback approval.
func (j *MmsSendJob) compose(ctx context.Context, msg *message.Message) (*mms.SendReq, bool, error) {
	req := &mms.SendReq{
		TransactionID: uuid.NewString(),
		To:            msg.Recipients,
	}

	secure := msg.IsSecure()
	if secure {
		env, err := j.deps.Cipher.Encrypt(msg.PrimaryRecipient(), []byte(msg.Body))
		if errors.Is(err, crypto.ErrNoSession) {
			if merr := j.deps.Messages.MarkPendingInsecureFallback(ctx, j.MessageID); merr != nil {
				return nil, false, queue.Retryable(merr)
			}
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("encrypt: %w", err)
		}
		req.Parts = append(req.Parts, mms.Part{
			ContentType: SecureEnvelopeContentType,
			Name:        "body",
			Data:        env.Marshal(),
		})
	} else if msg.Body != "" {
		req.Parts = append(req.Parts, mms.Part{
			ContentType: "text/plain",
			Name:        "body",
			Data:        []byte(msg.Body),
		})
	}

	for _, att := range msg.Attachments {
		scaled, err := j.scaleAttachment(att)
		if err != nil {
			return nil, false, err
		}
		req.Parts = append(req.Parts, mms.Part{
			ContentType: scaled.ContentType,
			Name:        scaled.ID,
			Data:        scaled.Data,
		})
	}

	return req, secure, nil
}

// scaleAttachment shrinks an oversize attachment, or rules the message
// undeliverable when no scaler can bring it under the limit.
func (j *MmsSendJob) scaleAttachment(att message.Attachment) (message.Attachment, error) {
	max := j.deps.Options.MaxAttachmentSize
	if max <= 0 || att.Size <= max {
		return att, nil
	}
	if j.deps.Scaler == nil {
		return att, fmt.Errorf("%w: attachment %s exceeds %d bytes", ErrUndeliverable, att.ID, max)
	}

	scaled, err := j.deps.Scaler.Scale(att, max)
	if err != nil || scaled.Size > max {
		return att, fmt.Errorf("%w: attachment %s cannot be scaled to fit", ErrUndeliverable, att.ID)
	}
	return scaled, nil
}

func (j *MmsSendJob) settleConfirmation(ctx context.Context, msg *message.Message, req *mms.SendReq, conf *transport.SendConfirmation, secure bool) error {
	parsed, err := mms.ParseSendConf(conf.Pdu)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}
	if err := parsed.Verify(req.TransactionID); err != nil {
		// A response for a different transaction cannot confirm this send.
		return fmt.Errorf("%w: %v", ErrUndeliverable, err)
	}

	switch parsed.Status {
	case mms.StatusOK:
		if err := j.deps.Messages.MarkSent(ctx, j.MessageID, secure); err != nil {
			return queue.Retryable(err)
		}
		j.deps.Notifier.UpdateNotification(msg.ThreadID)
		logrus.WithFields(logrus.Fields{
			"function":      "settleConfirmation",
			"messageID":     j.MessageID,
			"mmscMessageID": parsed.MessageID,
			"secure":        secure,
		}).Info("MMS accepted by MMSC")
		return nil
	case mms.StatusErrorTransient:
		_ = j.deps.Messages.MarkSendState(ctx, j.MessageID, message.SendStateSentFailedSoft)
		return queue.Retryable(fmt.Errorf("mmsc transient status %d", parsed.Status))
	default:
		return fmt.Errorf("%w: mmsc status %d", ErrUndeliverable, parsed.Status)
	}
}

// OnCanceled converts the job to terminal failure, leaving settled or
// fallback-parked messages alone.
func (j *MmsSendJob) OnCanceled(ctx context.Context) {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if err != nil {
		return
	}
	switch msg.SendState {
	case message.SendStateSentOk, message.SendStateDelivered, message.SendStatePendingInsecureFallback:
		return
	}
	if err := j.deps.Messages.MarkSentFailed(ctx, j.MessageID); err != nil {
		return
	}
	j.deps.Notifier.NotifyDeliveryFailed(msg.Recipients, msg.ThreadID)
}
