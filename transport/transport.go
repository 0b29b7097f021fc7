// Package transport defines the boundary to the carrier network: sending SMS
// segments with sent/delivered callbacks, submitting MMS PDUs, and retrieving
// MMS bodies from a content location. Implementations talk to real radio
// hardware; the in-memory Loopback implementation backs the tests.
package transport

import (
	"context"
	"errors"
)

// Typed transport failures. NoService and RadioOff are transient and feed
// the retry path; anything else is classified by the caller.
var (
	// ErrNoService indicates the carrier network is unreachable.
	ErrNoService = errors.New("no carrier service")
	// ErrRadioOff indicates the radio is powered down.
	ErrRadioOff = errors.New("radio off")
	// ErrTimeout indicates the carrier did not confirm within the bounded
	// wait. Treated as a soft failure.
	ErrTimeout = errors.New("carrier response timeout")
	// ErrApnUnavailable indicates no usable MMS access point configuration.
	ErrApnUnavailable = errors.New("no mms apn available")
)

// IsTransient reports whether an error is a retryable carrier condition.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoService) || errors.Is(err, ErrRadioOff) || errors.Is(err, ErrTimeout)
}

// SegmentStatus is the carrier's asynchronous report for one SMS segment.
type SegmentStatus struct {
	// Sent is set once the carrier accepted the segment.
	Sent bool
	// Delivered is set if a delivery report arrived. Optional; many
	// carriers never send one.
	Delivered bool
	// Err holds the carrier failure when Sent is false.
	Err error
}

// SendConfirmation is the carrier response to an MMS send.
type SendConfirmation struct {
	// Pdu is the encoded send-confirmation PDU from the MMSC.
	Pdu []byte
}

// RetrieveConfirmation is the downloaded MMS body.
type RetrieveConfirmation struct {
	// Pdu is the encoded retrieve-confirmation PDU from the MMSC.
	Pdu []byte
}

// Transport is the carrier network boundary.
type Transport interface {
	// SendSmsSegment submits one text segment. The callback fires exactly
	// once with the carrier's status; delivery reports, when the carrier
	// provides them, arrive through the same callback with Delivered set.
	SendSmsSegment(ctx context.Context, destination, text string, status func(SegmentStatus)) error

	// SendMms submits an encoded send-request PDU to the MMSC.
	SendMms(ctx context.Context, pdu []byte, subscriptionID int) (*SendConfirmation, error)

	// RetrieveMms downloads the message body held at contentLocation.
	RetrieveMms(ctx context.Context, contentLocation, transactionID string, subscriptionID int) (*RetrieveConfirmation, error)
}
