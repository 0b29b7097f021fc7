package jobs

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/wire"
)

// SmsReceiveJob records one incoming transport segment. Plain text is
// stored immediately; prefixed secure segments are buffered by the
// assembler and, once the logical message completes, stored as ciphertext
// with a decrypt job chained behind it. The receive itself never needs the
// master secret, so nothing is dropped while the device is locked.
type SmsReceiveJob struct {
	deps *Deps

	Sender         string `json:"sender"`
	Text           string `json:"text"`
	SubscriptionID int    `json:"subscription_id"`
}

// NewSmsReceiveJob creates a receive job for one raw segment.
func NewSmsReceiveJob(deps *Deps, sender, text string, subscriptionID int) *SmsReceiveJob {
	return &SmsReceiveJob{deps: deps, Sender: sender, Text: text, SubscriptionID: subscriptionID}
}

func (j *SmsReceiveJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID:    "sms-receive",
		Persistent: true,
		MaxRetries: 3,
	}
}

func (j *SmsReceiveJob) TypeTag() string { return "sms-receive" }

func (j *SmsReceiveJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *SmsReceiveJob) Run(ctx context.Context) error {
	if !wire.IsPrefixed(j.Text) {
		msg := message.NewIncoming(message.KindPlain, j.Sender, j.Text, j.SubscriptionID)
		_, threadID, err := j.deps.Messages.InsertInbox(ctx, msg)
		if err != nil {
			return queue.Retryable(err)
		}
		j.deps.Notifier.UpdateNotification(threadID)
		return nil
	}

	assembled, err := j.deps.Assembler.Process(j.Sender, j.Text)
	if err != nil {
		// Corrupt framing from the network is dropped, not retried.
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"job":      j.TypeTag(),
			"sender":   j.Sender,
			"error":    err.Error(),
		}).Warn("Discarding malformed secure segment")
		return nil
	}
	if assembled == nil {
		return nil
	}

	msg := message.NewIncoming(assembled.Kind, j.Sender, wire.EncodeEnvelope(assembled.Envelope), j.SubscriptionID)
	if !j.deps.Secrets.Available() {
		// Durably recorded with decryption deferred until unlock.
		msg.Mark = message.MarkAwaitingKey
	}

	id, threadID, err := j.deps.Messages.InsertInbox(ctx, msg)
	if err != nil {
		return queue.Retryable(err)
	}

	if msg.RequiresDecryption() {
		if _, err := j.deps.Queue.Add(ctx, NewSmsDecryptJob(j.deps, id, j.Sender, false)); err != nil {
			return queue.Retryable(err)
		}
	}

	j.deps.Notifier.UpdateNotification(threadID)
	return nil
}

func (j *SmsReceiveJob) OnCanceled(ctx context.Context) {}
