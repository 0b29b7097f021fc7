package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/smsecure/message"
	"github.com/opd-ai/smsecure/mms"
	"github.com/opd-ai/smsecure/notify"
	"github.com/opd-ai/smsecure/queue"
	"github.com/opd-ai/smsecure/store"
	"github.com/opd-ai/smsecure/transport"
)

// mmscStub answers SendMms with a scripted confirmation.
type mmscStub struct {
	transport.Transport

	sent  [][]byte
	reply func(req *mms.SendReq) (*mms.SendConf, error)
}

func (s *mmscStub) SendMms(ctx context.Context, pdu []byte, subscriptionID int) (*transport.SendConfirmation, error) {
	s.sent = append(s.sent, pdu)
	req, err := mms.ParseSendReq(pdu)
	if err != nil {
		return nil, err
	}
	conf, err := s.reply(req)
	if err != nil {
		return nil, err
	}
	return &transport.SendConfirmation{Pdu: conf.Marshal()}, nil
}

func newMmsTestDeps(t *testing.T, stub *mmscStub) *Deps {
	t.Helper()

	msgs, err := store.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { msgs.Close() })

	return &Deps{
		Messages:  msgs,
		Transport: stub,
		Notifier:  &notify.Recorder{},
		Options: Options{
			SmsMaxRetries:     3,
			MaxAttachmentSize: 16,
		},
	}
}

func stageOutgoingMms(t *testing.T, deps *Deps, attachments ...message.Attachment) string {
	t.Helper()

	msg := message.New(message.KindPlain, "caption", "+15550009999")
	msg.Attachments = attachments
	id, _, err := deps.Messages.InsertOutbox(context.Background(), msg)
	require.NoError(t, err)
	return id
}

func TestMmsConfirmationTransactionMismatch(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		return &mms.SendConf{TransactionID: "someone-elses", Status: mms.StatusOK}, nil
	}}
	deps := newMmsTestDeps(t, stub)
	id := stageOutgoingMms(t, deps)

	job := NewMmsSendJob(deps, id)
	err := job.Run(context.Background())

	// A confirmation for a different transaction cannot settle this send.
	require.ErrorIs(t, err, ErrUndeliverable)
	assert.False(t, queue.IsRetryable(err))

	job.OnCanceled(context.Background())
	msg, err := deps.Messages.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, message.SendStateSentFailedHard, msg.SendState)
}

func TestMmsTransientMmscStatusIsRetryable(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		return &mms.SendConf{TransactionID: req.TransactionID, Status: mms.StatusErrorTransient}, nil
	}}
	deps := newMmsTestDeps(t, stub)
	id := stageOutgoingMms(t, deps)

	err := NewMmsSendJob(deps, id).Run(context.Background())

	require.Error(t, err)
	assert.True(t, queue.IsRetryable(err))

	msg, err := deps.Messages.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, message.SendStateSentFailedSoft, msg.SendState)
}

func TestMmsPermanentMmscStatusIsTerminal(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		return &mms.SendConf{TransactionID: req.TransactionID, Status: mms.StatusErrorPermanent}, nil
	}}
	deps := newMmsTestDeps(t, stub)
	id := stageOutgoingMms(t, deps)

	err := NewMmsSendJob(deps, id).Run(context.Background())

	require.ErrorIs(t, err, ErrUndeliverable)
	assert.False(t, queue.IsRetryable(err))
}

func TestMmsOversizeAttachmentWithoutScaler(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		t.Fatal("transport must not be reached")
		return nil, nil
	}}
	deps := newMmsTestDeps(t, stub)
	id := stageOutgoingMms(t, deps, message.NewAttachment("", "image/jpeg", make([]byte, 64)))

	err := NewMmsSendJob(deps, id).Run(context.Background())

	require.ErrorIs(t, err, ErrUndeliverable)
	assert.Empty(t, stub.sent)
}

// truncScaler cuts the payload down to the limit.
type truncScaler struct{}

func (truncScaler) Scale(att message.Attachment, maxSize int64) (message.Attachment, error) {
	att.Data = att.Data[:maxSize]
	att.Size = maxSize
	return att, nil
}

func TestMmsOversizeAttachmentScaledToFit(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		return &mms.SendConf{TransactionID: req.TransactionID, Status: mms.StatusOK, MessageID: "m1"}, nil
	}}
	deps := newMmsTestDeps(t, stub)
	deps.Scaler = truncScaler{}
	id := stageOutgoingMms(t, deps, message.NewAttachment("", "image/jpeg", make([]byte, 64)))

	require.NoError(t, NewMmsSendJob(deps, id).Run(context.Background()))

	require.Len(t, stub.sent, 1)
	req, err := mms.ParseSendReq(stub.sent[0])
	require.NoError(t, err)
	require.Len(t, req.Parts, 2)
	assert.LessOrEqual(t, int64(len(req.Parts[1].Data)), deps.Options.MaxAttachmentSize)

	msg, err := deps.Messages.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, message.SendStateSentOk, msg.SendState)
}

// failingScaler cannot bring the payload under the limit.
type failingScaler struct{}

func (failingScaler) Scale(att message.Attachment, maxSize int64) (message.Attachment, error) {
	return att, errors.New("no codec for content type")
}

func TestMmsUnscalableAttachmentIsTerminal(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		t.Fatal("transport must not be reached")
		return nil, nil
	}}
	deps := newMmsTestDeps(t, stub)
	deps.Scaler = failingScaler{}
	id := stageOutgoingMms(t, deps, message.NewAttachment("", "image/jpeg", make([]byte, 64)))

	err := NewMmsSendJob(deps, id).Run(context.Background())

	require.ErrorIs(t, err, ErrUndeliverable)
	assert.Empty(t, stub.sent)
}

func TestMmsEmptyRecipientSet(t *testing.T) {
	stub := &mmscStub{reply: func(req *mms.SendReq) (*mms.SendConf, error) {
		t.Fatal("transport must not be reached")
		return nil, nil
	}}
	deps := newMmsTestDeps(t, stub)

	msg := message.New(message.KindPlain, "orphan")
	id, _, err := deps.Messages.InsertOutbox(context.Background(), msg)
	require.NoError(t, err)

	err = NewMmsSendJob(deps, id).Run(context.Background())
	require.ErrorIs(t, err, ErrUndeliverable)
}
