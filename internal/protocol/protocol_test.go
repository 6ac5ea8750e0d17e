package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	apperrors "peerchat/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RequestExchange(t *testing.T) {
	codec := NewCodec(0)
	sentAt := time.Date(2026, 4, 2, 9, 15, 0, 0, time.UTC)
	req := NewRequest("alice", "bob", "hello", sentAt)

	var buf bytes.Buffer
	require.NoError(t, codec.WriteRequest(&buf, req))

	got, err := codec.ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.Equal(t, "2026-04-02T09:15:00Z", got.Timestamp)
}

func TestCodec_LargePayloadNotTruncated(t *testing.T) {
	codec := NewCodec(0)
	body := strings.Repeat("x", 10*1024)

	var buf bytes.Buffer
	require.NoError(t, codec.WriteRequest(&buf, NewRequest("alice", "bob", body, time.Now())))

	got, err := codec.ReadRequest(&buf)
	require.NoError(t, err)
	assert.Len(t, got.Message, len(body))
}

func TestCodec_RejectsOversizedFrameBeforeReading(t *testing.T) {
	codec := NewCodec(16)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)

	_, err := codec.ReadFrame(bytes.NewReader(header[:]))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeProtocol, apperrors.GetCode(err))

	err = codec.WriteFrame(io.Discard, make([]byte, 17))
	assert.Equal(t, apperrors.ErrCodeProtocol, apperrors.GetCode(err))
}

func TestCodec_MalformedRequests(t *testing.T) {
	codec := NewCodec(0)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "bob: hello"},
		{name: "missing sender", payload: `{"message":"hi"}`},
		{name: "missing message", payload: `{"sender":"alice"}`},
		{name: "wrong type", payload: `{"type":"publish","sender":"alice","message":"hi"}`},
		{name: "bad timestamp", payload: `{"sender":"alice","message":"hi","timestamp":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, codec.WriteFrame(&buf, []byte(tt.payload)))

			_, err := codec.ReadRequest(&buf)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeProtocol, apperrors.GetCode(err))
		})
	}
}

func TestCodec_EmptyFrame(t *testing.T) {
	codec := NewCodec(0)
	_, err := codec.ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Equal(t, apperrors.ErrCodeProtocol, apperrors.GetCode(err))
}

func TestCodec_TruncatedFrame(t *testing.T) {
	codec := NewCodec(0)

	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, []byte(`{"status":"delivered"}`)))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := codec.ReadResponse(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCodec_Responses(t *testing.T) {
	codec := NewCodec(0)

	var buf bytes.Buffer
	require.NoError(t, codec.WriteResponse(&buf, Ack()))
	resp, err := codec.ReadResponse(&buf)
	require.NoError(t, err)
	assert.True(t, resp.Delivered())

	buf.Reset()
	require.NoError(t, codec.WriteResponse(&buf, Nack("storage unavailable")))
	resp, err = codec.ReadResponse(&buf)
	require.NoError(t, err)
	assert.False(t, resp.Delivered())
	assert.Equal(t, "storage unavailable", resp.Error)

	buf.Reset()
	require.NoError(t, codec.WriteFrame(&buf, []byte(`{"status":"ok"}`)))
	_, err = codec.ReadResponse(&buf)
	assert.Equal(t, apperrors.ErrCodeProtocol, apperrors.GetCode(err))
}
