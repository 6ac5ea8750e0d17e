// Package protocol implements the one-exchange-per-connection delivery wire
// format: a 4-byte big-endian length prefix followed by a JSON payload.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"peerchat/internal/constants"
	apperrors "peerchat/internal/errors"
)

const (
	// TypeMessage marks a direct peer message request.
	TypeMessage = "message"

	StatusDelivered = "delivered"
	StatusError     = "error"

	headerSize = 4
)

// Request is the sender's half of an exchange.
type Request struct {
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewRequest builds a message request stamped with sentAt.
func NewRequest(sender, receiver, message string, sentAt time.Time) Request {
	return Request{
		Type:      TypeMessage,
		Sender:    sender,
		Receiver:  receiver,
		Message:   message,
		Timestamp: sentAt.Format(time.RFC3339),
	}
}

// Validate checks the fields a receiver needs to record the message.
func (r Request) Validate() error {
	if r.Type != "" && r.Type != TypeMessage {
		return apperrors.NewProtocolError(fmt.Sprintf("unsupported request type %q", r.Type), nil)
	}
	if strings.TrimSpace(r.Sender) == "" {
		return apperrors.NewProtocolError("request is missing sender", nil)
	}
	if r.Message == "" {
		return apperrors.NewProtocolError("request is missing message", nil)
	}
	if r.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
			return apperrors.NewProtocolError("request has invalid timestamp", err)
		}
	}
	return nil
}

// Response is the receiver's acknowledgment.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Delivered reports whether the receiver acknowledged the message.
func (r Response) Delivered() bool {
	return r.Status == StatusDelivered
}

// Ack is the success acknowledgment.
func Ack() Response {
	return Response{Status: StatusDelivered}
}

// Nack reports a failure back to the sender.
func Nack(reason string) Response {
	return Response{Status: StatusError, Error: reason}
}

// Codec reads and writes frames bounded by MaxPayload bytes.
type Codec struct {
	MaxPayload int
}

// NewCodec returns a Codec; maxPayload <= 0 selects the default bound.
func NewCodec(maxPayload int) Codec {
	if maxPayload <= 0 {
		maxPayload = constants.DefaultMaxPayloadBytes
	}
	return Codec{MaxPayload: maxPayload}
}

// WriteFrame writes one length-prefixed payload.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > c.MaxPayload {
		return apperrors.NewProtocolError(fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(payload), c.MaxPayload), nil)
	}

	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed payload. A declared length above the
// bound is rejected before the body is read.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, apperrors.NewProtocolError("empty frame", nil)
	}
	if uint64(size) > uint64(c.MaxPayload) {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("frame of %d bytes exceeds limit of %d", size, c.MaxPayload), nil)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteRequest encodes and frames req.
func (c Codec) WriteRequest(w io.Writer, req Request) error {
	return c.writeJSON(w, req)
}

// ReadRequest reads, decodes and validates a request frame.
func (c Codec) ReadRequest(r io.Reader) (Request, error) {
	var req Request
	if err := c.readJSON(r, &req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// WriteResponse encodes and frames resp.
func (c Codec) WriteResponse(w io.Writer, resp Response) error {
	return c.writeJSON(w, resp)
}

// ReadResponse reads and decodes a response frame. Unknown statuses are a
// protocol error.
func (c Codec) ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	if err := c.readJSON(r, &resp); err != nil {
		return Response{}, err
	}
	if resp.Status != StatusDelivered && resp.Status != StatusError {
		return Response{}, apperrors.NewProtocolError(fmt.Sprintf("unknown response status %q", resp.Status), nil)
	}
	return resp, nil
}

func (c Codec) writeJSON(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewProtocolError("failed to encode payload", err)
	}
	return c.WriteFrame(w, payload)
}

func (c Codec) readJSON(r io.Reader, v interface{}) error {
	payload, err := c.ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.NewProtocolError("malformed payload", err)
	}
	return nil
}
