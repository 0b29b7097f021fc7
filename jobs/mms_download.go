package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/mms"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
	"github.com/opd-ai/smsecure/wire"
)

// MmsDownloadJob retrieves the body behind a notification placeholder,
// stages every non-empty part into attachment storage and removes the
// placeholder. Failures resolve the placeholder instead of retrying: a soft
// failure stays eligible for a manual re-download, a hard one does not, and
// neither leaves the inbox stuck on an unresolved notification.
type MmsDownloadJob struct {
	deps *Deps

	MessageID       string `json:"message_id"`
	ContentLocation string `json:"content_location"`
	TransactionID   string `json:"transaction_id"`
}

// NewMmsDownloadJob creates a download job for a stored notification
// placeholder.
func NewMmsDownloadJob(deps *Deps, messageID, contentLocation, transactionID string) *MmsDownloadJob {
	return &MmsDownloadJob{
		deps:            deps,
		MessageID:       messageID,
		ContentLocation: contentLocation,
		TransactionID:   transactionID,
	}
}

func (j *MmsDownloadJob) Parameters() queue.Parameters {
	return queue.Parameters{
		GroupID: MmsGroupID,
		Requirements: []queue.Requirement{
			queue.MediaNetworkRequirement{Env: j.deps.Env},
		},
		Persistent: true,
	}
}

func (j *MmsDownloadJob) TypeTag() string { return "mms-download" }

func (j *MmsDownloadJob) Serialize() ([]byte, error) { return json.Marshal(j) }

func (j *MmsDownloadJob) Run(ctx context.Context) error {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return queue.Retryable(err)
	}
	if msg.DownloadState == message.DownloadStateStored {
		return nil
	}

	if err := j.deps.Messages.MarkDownloadState(ctx, j.MessageID, message.DownloadStateConnecting); err != nil {
		return queue.Retryable(err)
	}

	conf, err := j.deps.Transport.RetrieveMms(ctx, j.ContentLocation, j.TransactionID, msg.SubscriptionID)
	if err != nil {
		return j.resolveFailure(ctx, msg, err)
	}

	retrieved, err := mms.ParseRetrieveConf(conf.Pdu)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Run",
			"job":       j.TypeTag(),
			"messageID": j.MessageID,
			"error":     err.Error(),
		}).Error("Malformed retrieve confirmation")
		return j.markResolved(ctx, msg, message.DownloadStateHardFailure)
	}

	return j.storeRetrieved(ctx, msg, retrieved)
}

// resolveFailure maps a transport error to a resolved download state. The
// placeholder is never left unresolved and the failure is never auto
// retried; soft failures stay eligible for a manual re-download.
func (j *MmsDownloadJob) resolveFailure(ctx context.Context, msg *message.Message, err error) error {
	state := message.DownloadStateHardFailure
	switch {
	case errors.Is(err, transport.ErrApnUnavailable):
		state = message.DownloadStateApnUnavailable
	case transport.IsTransient(err):
		state = message.DownloadStateSoftFailure
	}

	logrus.WithFields(logrus.Fields{
		"function":        "resolveFailure",
		"messageID":       j.MessageID,
		"contentLocation": j.ContentLocation,
		"state":           state,
		"error":           err.Error(),
	}).Warn("MMS retrieval failed, placeholder resolved")

	return j.markResolved(ctx, msg, state)
}

func (j *MmsDownloadJob) markResolved(ctx context.Context, msg *message.Message, state message.DownloadState) error {
	if err := j.deps.Messages.MarkDownloadState(ctx, j.MessageID, state); err != nil {
		return queue.Retryable(err)
	}
	j.deps.Notifier.UpdateNotification(msg.ThreadID)
	return nil
}

// storeRetrieved assembles the downloaded body into a stored inbox message,
// staging every non-empty part, then removes the notification placeholder.
func (j *MmsDownloadJob) storeRetrieved(ctx context.Context, placeholder *message.Message, retrieved *mms.RetrieveConf) error {
	sender := retrieved.From
	if sender == "" {
		sender = placeholder.Sender
	}

	kind := message.KindPlain
	body := ""
	var attachmentParts []mms.Part

	for _, part := range retrieved.NonEmptyParts() {
		switch {
		case part.ContentType == SecureEnvelopeContentType && body == "":
			kind = message.KindSecure
			body = wire.EncodeEnvelope(part.Data)
		case part.ContentType == "text/plain" && body == "" && kind == message.KindPlain:
			body = string(part.Data)
		default:
			attachmentParts = append(attachmentParts, part)
		}
	}

	stored := message.NewIncoming(kind, sender, body, placeholder.SubscriptionID)
	stored.DownloadState = message.DownloadStateStored
	if kind == message.KindSecure && !j.deps.Secrets.Available() {
		stored.Mark = message.MarkAwaitingKey
	}

	id, threadID, err := j.deps.Messages.InsertInbox(ctx, stored)
	if err != nil {
		return queue.Retryable(err)
	}

	for _, part := range attachmentParts {
		att := message.NewAttachment(id, part.ContentType, part.Data)
		att.State = message.TransferStateDone
		if err := j.deps.Messages.StageAttachment(ctx, att); err != nil {
			return queue.Retryable(err)
		}
	}

	if stored.RequiresDecryption() {
		if _, err := j.deps.Queue.Add(ctx, NewSmsDecryptJob(j.deps, id, sender, false)); err != nil {
			return queue.Retryable(err)
		}
	}

	// Successful retrieval cleans up the original notification placeholder.
	if err := j.deps.Messages.Delete(ctx, j.MessageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "storeRetrieved",
			"messageID": j.MessageID,
			"error":     err.Error(),
		}).Error("Failed to remove notification placeholder")
	}

	j.deps.Notifier.UpdateNotification(threadID)
	return nil
}

// OnCanceled resolves the placeholder so the inbox never shows a stuck
// notification.
func (j *MmsDownloadJob) OnCanceled(ctx context.Context) {
	msg, err := j.deps.Messages.GetMessage(ctx, j.MessageID)
	if err != nil {
		return
	}
	if msg.DownloadState == message.DownloadStateStored {
		return
	}
	_ = j.deps.Messages.MarkDownloadState(ctx, j.MessageID, message.DownloadStateHardFailure)
}
