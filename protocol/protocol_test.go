package protocol

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeAsyncCall,
		Seq:       12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header.CodecType, decoded.CodecType)
	assert.Equal(t, header.MsgType, decoded.MsgType)
	assert.Equal(t, header.Seq, decoded.Seq)
	assert.Equal(t, uint32(len(body)), decoded.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeAsyncCall), 0, 0, 0x30, 0x39, 0, 0, 0, 0x0B})
	buf.WriteString("hello world")

	_, _, err := Decode(&buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFrame))
	assert.Contains(t, err.Error(), "invalid magic number")
}

func TestDecodeHeartbeat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeHeartbeat}, nil))

	decoded, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, decoded.MsgType)
	assert.Zero(t, decoded.BodyLen)
	assert.Empty(t, body)
}

func TestDecodeRejectsBadFields(t *testing.T) {
	frame := func(version, codecType, msgType byte, bodyLen []byte) *bytes.Buffer {
		b := []byte{MagicNumber, MagicByte2, MagicByte3, version, codecType, msgType, 0, 0, 0, 1}
		return bytes.NewBuffer(append(b, bodyLen...))
	}
	cases := map[string]*bytes.Buffer{
		"unsupported version":      frame(0xFF, CodecTypeJSON, byte(MsgTypeAsyncCall), []byte{0, 0, 0, 0}),
		"unsupported codec type":   frame(Version, 9, byte(MsgTypeAsyncCall), []byte{0, 0, 0, 0}),
		"unsupported message type": frame(Version, CodecTypeJSON, 42, []byte{0, 0, 0, 0}),
		"exceeds":                  frame(Version, CodecTypeJSON, byte(MsgTypeSyncCall), []byte{0xFF, 0xFF, 0xFF, 0xFF}),
	}
	for want, buf := range cases {
		t.Run(want, func(t *testing.T) {
			_, _, err := Decode(buf)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidFrame))
			assert.Contains(t, err.Error(), want)
		})
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeSyncCall, Seq: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decodedBody))
}

func TestEncodeRejectsOversizedBody(t *testing.T) {
	err := Encode(&bytes.Buffer{}, &Header{}, make([]byte, MaxBodySize+1))
	assert.True(t, errors.Is(err, ErrInvalidFrame))
}
