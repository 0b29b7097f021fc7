package mms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies the PDU kind, mirroring the X-Mms-Message-Type
// header values.
type MessageType uint8

const (
	// TypeSendReq is an outgoing send request.
	TypeSendReq MessageType = 128
	// TypeSendConf is the MMSC response to a send request.
	TypeSendConf MessageType = 129
	// TypeNotificationInd announces a message waiting at a content location.
	TypeNotificationInd MessageType = 130
	// TypeRetrieveConf is the downloaded message body.
	TypeRetrieveConf MessageType = 132
)

// Response status classes, mirroring X-Mms-Response-Status.
const (
	// StatusOK indicates the MMSC accepted the request.
	StatusOK uint8 = 128
	// StatusErrorTransient indicates a retryable MMSC failure.
	StatusErrorTransient uint8 = 192
	// StatusErrorPermanent indicates a terminal MMSC failure.
	StatusErrorPermanent uint8 = 224
)

// ErrPduTruncated indicates a PDU shorter than its declared contents.
var ErrPduTruncated = errors.New("truncated pdu")

// ErrPduType indicates a PDU whose type octet does not match the parser.
var ErrPduType = errors.New("unexpected pdu type")

// ErrInconsistentResponse indicates a send confirmation whose transaction id
// does not match the request it answers.
var ErrInconsistentResponse = errors.New("send confirmation transaction id mismatch")

// Part is one body part of a multipart PDU.
type Part struct {
	ContentType string
	Name        string
	Data        []byte
}

// SendReq is an outgoing MMS send request.
type SendReq struct {
	TransactionID string
	From          string
	To            []string
	Subject       string
	Parts         []Part
}

// SendConf is the MMSC response to a SendReq.
type SendConf struct {
	TransactionID string
	Status        uint8
	MessageID     string
}

// NotificationInd announces a pending message held at ContentLocation.
type NotificationInd struct {
	TransactionID   string
	From            string
	ContentLocation string
	MessageSize     uint32
}

// RetrieveConf is the body delivered in response to a retrieve.
type RetrieveConf struct {
	TransactionID string
	From          string
	Subject       string
	Parts         []Part
}

// NonEmptyParts filters out zero-length body parts. Only the remaining parts
// are staged into attachment storage.
func (r *RetrieveConf) NonEmptyParts() []Part {
	var parts []Part
	for _, p := range r.Parts {
		if len(p.Data) > 0 {
			parts = append(parts, p)
		}
	}
	return parts
}

// Verify checks a send confirmation against the transaction id of the
// request it answers. A mismatched id means the MMSC response cannot be
// trusted to describe this send.
func (c *SendConf) Verify(transactionID string) error {
	if c.TransactionID != transactionID {
		return fmt.Errorf("%w: sent %q, got %q", ErrInconsistentResponse, transactionID, c.TransactionID)
	}
	return nil
}

// Marshal serializes a send request.
func (r *SendReq) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeSendReq))
	writeString(&buf, r.TransactionID)
	writeString(&buf, r.From)
	writeStrings(&buf, r.To)
	writeString(&buf, r.Subject)
	writeParts(&buf, r.Parts)
	return buf.Bytes()
}

// ParseSendReq deserializes a send request.
func ParseSendReq(data []byte) (*SendReq, error) {
	rd, err := newReader(data, TypeSendReq)
	if err != nil {
		return nil, err
	}

	req := &SendReq{}
	if req.TransactionID, err = rd.readString(); err != nil {
		return nil, err
	}
	if req.From, err = rd.readString(); err != nil {
		return nil, err
	}
	if req.To, err = rd.readStrings(); err != nil {
		return nil, err
	}
	if req.Subject, err = rd.readString(); err != nil {
		return nil, err
	}
	if req.Parts, err = rd.readParts(); err != nil {
		return nil, err
	}
	return req, nil
}

// Marshal serializes a send confirmation.
func (c *SendConf) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeSendConf))
	writeString(&buf, c.TransactionID)
	buf.WriteByte(c.Status)
	writeString(&buf, c.MessageID)
	return buf.Bytes()
}

// ParseSendConf deserializes a send confirmation.
func ParseSendConf(data []byte) (*SendConf, error) {
	rd, err := newReader(data, TypeSendConf)
	if err != nil {
		return nil, err
	}

	conf := &SendConf{}
	if conf.TransactionID, err = rd.readString(); err != nil {
		return nil, err
	}
	if conf.Status, err = rd.readByte(); err != nil {
		return nil, err
	}
	if conf.MessageID, err = rd.readString(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Marshal serializes a notification indication.
func (n *NotificationInd) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeNotificationInd))
	writeString(&buf, n.TransactionID)
	writeString(&buf, n.From)
	writeString(&buf, n.ContentLocation)

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], n.MessageSize)
	buf.Write(size[:])
	return buf.Bytes()
}

// ParseNotificationInd deserializes a notification indication.
func ParseNotificationInd(data []byte) (*NotificationInd, error) {
	rd, err := newReader(data, TypeNotificationInd)
	if err != nil {
		return nil, err
	}

	ind := &NotificationInd{}
	if ind.TransactionID, err = rd.readString(); err != nil {
		return nil, err
	}
	if ind.From, err = rd.readString(); err != nil {
		return nil, err
	}
	if ind.ContentLocation, err = rd.readString(); err != nil {
		return nil, err
	}
	if ind.MessageSize, err = rd.readUint32(); err != nil {
		return nil, err
	}
	return ind, nil
}

// Marshal serializes a retrieve confirmation.
func (r *RetrieveConf) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeRetrieveConf))
	writeString(&buf, r.TransactionID)
	writeString(&buf, r.From)
	writeString(&buf, r.Subject)
	writeParts(&buf, r.Parts)
	return buf.Bytes()
}

// ParseRetrieveConf deserializes a retrieve confirmation.
func ParseRetrieveConf(data []byte) (*RetrieveConf, error) {
	rd, err := newReader(data, TypeRetrieveConf)
	if err != nil {
		return nil, err
	}

	conf := &RetrieveConf{}
	if conf.TransactionID, err = rd.readString(); err != nil {
		return nil, err
	}
	if conf.From, err = rd.readString(); err != nil {
		return nil, err
	}
	if conf.Subject, err = rd.readString(); err != nil {
		return nil, err
	}
	if conf.Parts, err = rd.readParts(); err != nil {
		return nil, err
	}
	return conf, nil
}

// TypeOf peeks at the PDU type octet without parsing the body.
func TypeOf(data []byte) (MessageType, error) {
	if len(data) == 0 {
		return 0, ErrPduTruncated
	}
	return MessageType(data[0]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func writeStrings(buf *bytes.Buffer, values []string) {
	buf.WriteByte(byte(len(values)))
	for _, v := range values {
		writeString(buf, v)
	}
}

func writeParts(buf *bytes.Buffer, parts []Part) {
	buf.WriteByte(byte(len(parts)))
	for _, p := range parts {
		writeString(buf, p.ContentType)
		writeString(buf, p.Name)

		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(p.Data)))
		buf.Write(length[:])
		buf.Write(p.Data)
	}
}

// reader walks a PDU body after the type octet has been checked.
type reader struct {
	data []byte
	pos  int
}

func newReader(data []byte, want MessageType) (*reader, error) {
	if len(data) == 0 {
		return nil, ErrPduTruncated
	}
	if MessageType(data[0]) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrPduType, data[0], want)
	}
	return &reader{data: data, pos: 1}, nil
}

func (r *reader) readByte() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, ErrPduTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, ErrPduTruncated
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readString() (string, error) {
	if r.pos+2 > len(r.data) {
		return "", ErrPduTruncated
	}
	length := int(binary.BigEndian.Uint16(r.data[r.pos:]))
	r.pos += 2
	if r.pos+length > len(r.data) {
		return "", ErrPduTruncated
	}
	s := string(r.data[r.pos : r.pos+length])
	r.pos += length
	return s, nil
}

func (r *reader) readStrings() ([]string, error) {
	count, err := r.readByte()
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := r.readString()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *reader) readParts() ([]Part, error) {
	count, err := r.readByte()
	if err != nil {
		return nil, err
	}
	parts := make([]Part, 0, count)
	for i := 0; i < int(count); i++ {
		var p Part
		if p.ContentType, err = r.readString(); err != nil {
			return nil, err
		}
		if p.Name, err = r.readString(); err != nil {
			return nil, err
		}
		length, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		if r.pos+int(length) > len(r.data) {
			return nil, ErrPduTruncated
		}
		p.Data = append([]byte(nil), r.data[r.pos:r.pos+int(length)]...)
		r.pos += int(length)
		parts = append(parts, p)
	}
	return parts, nil
}
