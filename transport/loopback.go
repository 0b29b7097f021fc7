package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/smsecure/mms"
)

// SentSegment records one SMS segment the loopback accepted.
type SentSegment struct {
	Destination string
	Text        string
}

// Loopback is an in-memory Transport. Segments are recorded and optionally
// routed to a receiver hook; MMS retrievals are served from a content map.
// Forced failures let tests drive the retry and fallback paths.
type Loopback struct {
	mu sync.Mutex

	segments        []SentSegment
	failuresLeft    int
	failErr         error
	deliveryReports bool

	onSegment func(destination, text string)
	content   map[string][]byte
	mmsPdus   [][]byte
}

// NewLoopback creates an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		content: make(map[string][]byte),
	}
}

// FailNext forces the next n operations to fail with err.
func (l *Loopback) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failuresLeft = n
	l.failErr = err
}

// AlwaysFail forces every operation to fail with err until reset.
func (l *Loopback) AlwaysFail(err error) {
	l.FailNext(int(^uint(0)>>1), err)
}

// SetDeliveryReports controls whether accepted segments also report
// Delivered.
func (l *Loopback) SetDeliveryReports(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliveryReports = enabled
}

// OnSegment installs a receiver hook invoked for every accepted segment.
func (l *Loopback) OnSegment(fn func(destination, text string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSegment = fn
}

// PutContent stages a retrieve-confirmation PDU at a content location.
func (l *Loopback) PutContent(contentLocation string, pdu []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content[contentLocation] = pdu
}

// Segments returns a copy of every accepted SMS segment in order.
func (l *Loopback) Segments() []SentSegment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]SentSegment(nil), l.segments...)
}

// MmsPdus returns every send-request PDU submitted, in order.
func (l *Loopback) MmsPdus() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.mmsPdus...)
}

func (l *Loopback) takeFailure() error {
	if l.failuresLeft > 0 {
		l.failuresLeft--
		return l.failErr
	}
	return nil
}

// SendSmsSegment records the segment and reports success through the
// callback, or the forced failure when one is armed.
func (l *Loopback) SendSmsSegment(ctx context.Context, destination, text string, status func(SegmentStatus)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.takeFailure(); err != nil {
		l.mu.Unlock()
		status(SegmentStatus{Err: err})
		return nil
	}

	l.segments = append(l.segments, SentSegment{Destination: destination, Text: text})
	hook := l.onSegment
	reports := l.deliveryReports
	l.mu.Unlock()

	if hook != nil {
		hook(destination, text)
	}

	status(SegmentStatus{Sent: true})
	if reports {
		status(SegmentStatus{Sent: true, Delivered: true})
	}
	return nil
}

// SendMms parses the send request and answers with an accepting
// confirmation carrying the same transaction id.
func (l *Loopback) SendMms(ctx context.Context, pdu []byte, subscriptionID int) (*SendConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if err := l.takeFailure(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mmsPdus = append(l.mmsPdus, append([]byte(nil), pdu...))
	l.mu.Unlock()

	req, err := mms.ParseSendReq(pdu)
	if err != nil {
		return nil, fmt.Errorf("loopback mmsc: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "SendMms",
		"transactionID":  req.TransactionID,
		"recipients":     len(req.To),
		"subscriptionID": subscriptionID,
	}).Debug("Loopback accepted MMS send")

	conf := &mms.SendConf{
		TransactionID: req.TransactionID,
		Status:        mms.StatusOK,
		MessageID:     uuid.NewString(),
	}
	return &SendConfirmation{Pdu: conf.Marshal()}, nil
}

// RetrieveMms serves the PDU staged at contentLocation, or ErrNoService
// when nothing is staged there.
func (l *Loopback) RetrieveMms(ctx context.Context, contentLocation, transactionID string, subscriptionID int) (*RetrieveConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure(); err != nil {
		return nil, err
	}

	pdu, ok := l.content[contentLocation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoService, contentLocation)
	}
	return &RetrieveConfirmation{Pdu: append([]byte(nil), pdu...)}, nil
}
