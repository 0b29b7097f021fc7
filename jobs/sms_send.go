package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
	"github.com/opd-ai/smsecure/wire"
)

// SmsSendJob delivers one outgoing SMS message: encrypts when a session is
// required, fragments the payload into carrier segments, and awaits the
// carrier's accept for every segment. Transient carrier failures feed the
// queue's retry path; anything undeliverable is terminal.
type SmsSendJob struct {
	deps *Deps

	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

// NewSmsSendJob creates a send job for a stored outgoing message.
func NewSmsSendJob(deps *Deps, messageID, recipient string) *SmsSendJob {
	return &SmsSendJob{deps: deps, MessageID: messageID, Recipient: recipient}
}

func (j *SmsSendJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID: smsGroup(j.Recipient),
		Requirements: []queue.Requirement{
			queue.ServiceRequirement{Env: j.deps.Env},
			queue.MasterSecretRequirement{Env: j.deps.Env},
		},
		Persistent: true,
		MaxRetries: j.deps.Options.SmsMaxRetries,
	}
}

func (j *SmsSendJob) TypeTag() string { return "sms-send" }

func (j *SmsSendJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *SmsSendJob) Run(ctx context.Context) error {
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

	destination := msg.PrimaryRecipient()
	if destination == "" {
		return fmt.Errorf("%w: empty destination", ErrUndeliverable)
	}

	if err := j.deps.Messages.MarkSendState(ctx, j.MessageID, message.SendStateConnecting); err != nil {
		return queue.Retryable(err)
	}

	segments, secure, err := j.prepareSegments(ctx, msg, destination)
	if err != nil || segments == nil {
		return err
	}

	if err := j.deliverSegments(ctx, msg, destination, segments, secure); err != nil {
		return err
	}

	// The termination message is the last thing the session encrypts; the
	// ratchet goes away once the carrier has it.
	if msg.Kind == message.KindEndSession {
		if err := j.deps.Cipher.EndSession(destination); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Run",
				"messageID": j.MessageID,
				"peer":      destination,
				"error":     err.Error(),
			}).Error("Failed to delete local session after end-session send")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Run",
		"job":       j.TypeTag(),
		"messageID": j.MessageID,
		"segments":  len(segments),
		"secure":    secure,
	}).Info("SMS handed to carrier")
	return nil
}

// prepareSegments turns the stored body into transport segments. A nil
// segment slice with a nil error means the send is parked on fallback
// approval and the job is done.
func (j *SmsSendJob) prepareSegments(ctx context.Context, msg *message.Message, destination string) ([]string, bool, error) {
	switch msg.Kind {
	case message.KindSecure, message.KindEndSession:
		env, err := j.deps.Cipher.Encrypt(destination, []byte(msg.Body))
		if errors.Is(err, crypto.ErrNoSession) {
			// Actionable-terminal: the user must approve plaintext
			// transport before this message moves again.
			if merr := j.deps.Messages.MarkPendingInsecureFallback(ctx, j.MessageID); merr != nil {
				return nil, false, queue.Retryable(merr)
			}
			logrus.WithFields(logrus.Fields{
				"function":  "prepareSegments",
				"messageID": j.MessageID,
				"peer":      destination,
			}).Warn("No session, send parked pending insecure fallback approval")
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("encrypt: %w", err)
		}
		segments, err := wire.Fragment(msg.Kind, env.Marshal())
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrUndeliverable, err)
		}
		return segments, true, nil

	case message.KindKeyExchange, message.KindPreKeyBundle:
		data, err := wire.DecodeEnvelope(msg.Body)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrUndeliverable, err)
		}
		segments, err := wire.Fragment(msg.Kind, data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrUndeliverable, err)
		}
		return segments, false, nil

	default:
		return wire.DividePlaintext(msg.Body), false, nil
	}
}

// deliverSegments submits every segment and waits for the carrier to accept
// each one. Delivery reports arriving later are processed by SmsSentJob.
func (j *SmsSendJob) deliverSegments(ctx context.Context, msg *message.Message, destination string, segments []string, secure bool) error {
	accepted := make(chan transport.SegmentStatus, len(segments))

	for _, segment := range segments {
		err := j.deps.Transport.SendSmsSegment(ctx, destination, segment, func(s transport.SegmentStatus) {
			if s.Delivered {
				_, aerr := j.deps.Queue.Add(context.Background(),
					NewSmsSentJob(j.deps, j.MessageID, j.Recipient, true, false))
				if aerr != nil {
					logrus.WithFields(logrus.Fields{
						"function":  "deliverSegments",
						"messageID": j.MessageID,
						"error":     aerr.Error(),
					}).Error("Failed to enqueue delivery report")
				}
				return
			}
			select {
			case accepted <- s:
			default:
			}
		})
		if err != nil {
			return queue.Retryable(err)
		}
	}

	for i := 0; i < len(segments); i++ {
		select {
		case s := <-accepted:
			if s.Err == nil {
				continue
			}
			if merr := j.deps.Messages.MarkSendState(ctx, j.MessageID, message.SendStateSentFailedSoft); merr != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "deliverSegments",
					"messageID": j.MessageID,
					"error":     merr.Error(),
				}).Error("Failed to record soft failure")
			}
			if transport.IsTransient(s.Err) {
				return queue.Retryable(s.Err)
			}
			return s.Err
		case <-ctx.Done():
			_ = j.deps.Messages.MarkSendState(context.Background(), j.MessageID, message.SendStateSentFailedSoft)
			return queue.Retryable(transport.ErrTimeout)
		}
	}

	// Every segment accepted: record the result through the confirmation
	// job so sent and delivered transitions stay ordered.
	_, err := j.deps.Queue.Add(ctx, NewSmsSentJob(j.deps, j.MessageID, j.Recipient, false, secure))
	return err
}

// OnCanceled converts the job to terminal failure. Safe to invoke after
// partial side effects; already settled messages are left alone.
func (j *SmsSendJob) OnCanceled(ctx context.Context) {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if err != nil {
		return
	}
	switch msg.SendState {
	case message.SendStateSentOk, message.SendStateDelivered, message.SendStatePendingInsecureFallback:
		return
	}

	if err := j.deps.Messages.MarkSentFailed(ctx, j.MessageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "OnCanceled",
			"messageID": j.MessageID,
			"error":     err.Error(),
		}).Error("Failed to mark terminal send failure")
		return
	}
	j.deps.Notifier.NotifyDeliveryFailed(msg.Recipients, msg.ThreadID)
}
