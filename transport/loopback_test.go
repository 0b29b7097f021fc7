package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/smsecure/mms"
)

func TestLoopbackSegmentCallback(t *testing.T) {
	lb := NewLoopback()
	lb.SetDeliveryReports(true)

	var statuses []SegmentStatus
	err := lb.SendSmsSegment(context.Background(), "+15550001111", "hello", func(s SegmentStatus) {
		statuses = append(statuses, s)
	})
	require.NoError(t, err)

	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Sent)
	assert.False(t, statuses[0].Delivered)
	assert.True(t, statuses[1].Delivered)

	segments := lb.Segments()
	require.Len(t, segments, 1)
	assert.Equal(t, "hello", segments[0].Text)
}

func TestLoopbackForcedFailure(t *testing.T) {
	lb := NewLoopback()
	lb.FailNext(1, ErrRadioOff)

	var got SegmentStatus
	err := lb.SendSmsSegment(context.Background(), "+15550001111", "hi", func(s SegmentStatus) {
		got = s
	})
	require.NoError(t, err)
	assert.False(t, got.Sent)
	assert.ErrorIs(t, got.Err, ErrRadioOff)
	assert.True(t, IsTransient(got.Err))
	assert.Empty(t, lb.Segments())

	// The failure budget is spent; the next send goes through.
	err = lb.SendSmsSegment(context.Background(), "+15550001111", "hi", func(s SegmentStatus) {
		got = s
	})
	require.NoError(t, err)
	assert.True(t, got.Sent)
}

func TestLoopbackMmsSend(t *testing.T) {
	lb := NewLoopback()

	req := &mms.SendReq{
		TransactionID: "txn-55",
		To:            []string{"+15550002222"},
		Parts:         []mms.Part{{ContentType: "text/plain", Data: []byte("hi")}},
	}

	conf, err := lb.SendMms(context.Background(), req.Marshal(), 0)
	require.NoError(t, err)

	parsed, err := mms.ParseSendConf(conf.Pdu)
	require.NoError(t, err)
	assert.NoError(t, parsed.Verify("txn-55"))
	assert.Equal(t, mms.StatusOK, parsed.Status)
	assert.NotEmpty(t, parsed.MessageID)
	assert.Len(t, lb.MmsPdus(), 1)
}

func TestLoopbackMmsRetrieve(t *testing.T) {
	lb := NewLoopback()

	body := &mms.RetrieveConf{
		TransactionID: "txn-9",
		From:          "+15550003333",
		Parts:         []mms.Part{{ContentType: "text/plain", Data: []byte("downloaded")}},
	}
	lb.PutContent("http://mmsc.example/msg/9", body.Marshal())

	got, err := lb.RetrieveMms(context.Background(), "http://mmsc.example/msg/9", "txn-9", 0)
	require.NoError(t, err)

	parsed, err := mms.ParseRetrieveConf(got.Pdu)
	require.NoError(t, err)
	assert.Equal(t, "downloaded", string(parsed.Parts[0].Data))

	_, err = lb.RetrieveMms(context.Background(), "http://mmsc.example/missing", "txn-9", 0)
	assert.ErrorIs(t, err, ErrNoService)
}
