package message

import "github.com/google/uuid"

// TransferState tracks an attachment payload through staging and upload.
type TransferState uint8

const (
	// TransferStatePending means the payload has not been processed yet.
	TransferStatePending TransferState = iota
	// TransferStateUploaded means the payload was accepted by the transport.
	TransferStateUploaded
	// TransferStateDone means the payload is fully staged locally.
	TransferStateDone
)

// Attachment is a binary payload owned by a message.
type Attachment struct {
	ID          string
	MessageID   string
	ContentType string
	Size        int64
	Data        []byte
	State       TransferState
}

// NewAttachment stages a binary part for the given message.
func NewAttachment(messageID, contentType string, data []byte) Attachment {
	return Attachment{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
		State:       TransferStatePending,
	}
}
