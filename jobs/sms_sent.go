package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
)

// SmsSentJob is the confirmation leg of a send: it records the carrier's
// accept or delivery report as its own queue job, so the sent and delivered
// transitions serialize behind the send that produced them.
type SmsSentJob struct {
	deps *Deps

	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	// Upgraded records whether this attempt was the conversation's first
	// secure transport, for downstream UI signaling.
	Upgraded bool `json:"upgraded"`
}

// NewSmsSentJob creates a confirmation job.
func NewSmsSentJob(deps *Deps, messageID, recipient string, delivered, upgraded bool) *SmsSentJob {
	return &SmsSentJob{
		deps:      deps,
		MessageID: messageID,
		Recipient: recipient,
		Delivered: delivered,
		Upgraded:  upgraded,
	}
}

func (j *SmsSentJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID:    smsGroup(j.Recipient),
		Persistent: true,
		MaxRetries: 3,
	}
}

func (j *SmsSentJob) TypeTag() string { return "sms-sent" }

func (j *SmsSentJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *SmsSentJob) Run(ctx context.Context) error {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return queue.Retryable(err)
	}

	if j.Delivered {
		// A delivery report may arrive before the accept settles; marking
		// delivered subsumes sent either way.
		if err := j.deps.Messages.MarkDelivered(ctx, j.MessageID); err != nil {
			return queue.Retryable(err)
		}
	} else {
		if msg.SendState == message.SendStateDelivered {
			return nil
		}
		if err := j.deps.Messages.MarkSent(ctx, j.MessageID, j.Upgraded); err != nil {
			return queue.Retryable(err)
		}
	}

	j.deps.Notifier.UpdateNotification(msg.ThreadID)
	return nil
}

func (j *SmsSentJob) OnCanceled(ctx context.Context) {}
