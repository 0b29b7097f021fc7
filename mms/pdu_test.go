package mms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReqRoundTrip(t *testing.T) {
	req := &SendReq{
		TransactionID: "txn-42",
		From:          "+15550001111",
		To:            []string{"+15550002222", "+15550003333"},
		Subject:       "photos",
		Parts: []Part{
			{ContentType: "text/plain", Name: "body.txt", Data: []byte("hello")},
			{ContentType: "image/jpeg", Name: "photo.jpg", Data: []byte{0xFF, 0xD8, 0xFF}},
		},
	}

	parsed, err := ParseSendReq(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, parsed)
}

func TestRetrieveConfPartIteration(t *testing.T) {
	conf := &RetrieveConf{
		TransactionID: "txn-7",
		From:          "+15550009999",
		Parts: []Part{
			{ContentType: "application/smil", Name: "layout.smil", Data: nil},
			{ContentType: "text/plain", Name: "body.txt", Data: []byte("see attached")},
			{ContentType: "image/png", Name: "pic.png", Data: []byte{0x89, 0x50}},
		},
	}

	parsed, err := ParseRetrieveConf(conf.Marshal())
	require.NoError(t, err)

	// Only non-empty parts are eligible for attachment staging.
	staged := parsed.NonEmptyParts()
	require.Len(t, staged, 2)
	assert.Equal(t, "body.txt", staged[0].Name)
	assert.Equal(t, "pic.png", staged[1].Name)
}

func TestSendConfVerify(t *testing.T) {
	conf := &SendConf{TransactionID: "txn-1", Status: StatusOK, MessageID: "mid-9"}

	parsed, err := ParseSendConf(conf.Marshal())
	require.NoError(t, err)
	assert.Equal(t, conf, parsed)

	assert.NoError(t, parsed.Verify("txn-1"))
	assert.ErrorIs(t, parsed.Verify("txn-2"), ErrInconsistentResponse)
}

func TestNotificationIndRoundTrip(t *testing.T) {
	ind := &NotificationInd{
		TransactionID:   "txn-3",
		From:            "+15550004444",
		ContentLocation: "http://mmsc.example/msg/3",
		MessageSize:     48213,
	}

	parsed, err := ParseNotificationInd(ind.Marshal())
	require.NoError(t, err)
	assert.Equal(t, ind, parsed)
}

func TestParseWrongType(t *testing.T) {
	conf := &SendConf{TransactionID: "txn", Status: StatusOK}

	_, err := ParseRetrieveConf(conf.Marshal())
	assert.ErrorIs(t, err, ErrPduType)
}

func TestParseTruncated(t *testing.T) {
	req := &SendReq{
		TransactionID: "txn",
		To:            []string{"+15550002222"},
		Parts:         []Part{{ContentType: "text/plain", Data: []byte("abc")}},
	}
	data := req.Marshal()

	for _, cut := range []int{0, 1, 5, len(data) - 1} {
		_, err := ParseSendReq(data[:cut])
		assert.ErrorIs(t, err, ErrPduTruncated, "cut at %d", cut)
	}
}

func TestTypeOf(t *testing.T) {
	kind, err := TypeOf((&NotificationInd{}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, TypeNotificationInd, kind)

	_, err = TypeOf(nil)
	assert.ErrorIs(t, err, ErrPduTruncated)
}
