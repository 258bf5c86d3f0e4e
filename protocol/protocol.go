// Package protocol implements the two wire formats of sync-rpc: the stream frame used to
// carry messages over byte streams (this file) and the sync request header laid out in
// shared memory (header.go).
//
// A stream frame is a fixed-size 14-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly that many
// bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ srp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic number bytes: "srp" (sync-rpc protocol).
// Used to reject peers that are not speaking sync-rpc on the socket.
const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds the allocation a single frame can trigger. Bulk data travels
	// through shared memory, not through frames.
	MaxBodySize uint32 = 16 << 20
)

var ErrInvalidFrame = errors.New("protocol: invalid frame")

// MsgType mirrors message.Kind on the wire, plus the transport-level heartbeat.
type MsgType byte

const (
	MsgTypeAsyncCall     MsgType = 0
	MsgTypeAsyncResponse MsgType = 1
	MsgTypeSyncCall      MsgType = 2
	MsgTypeNotification  MsgType = 3
	MsgTypeHeartbeat     MsgType = 4 // KeepAlive probe (no body)
)

func (t MsgType) valid() bool { return t <= MsgTypeHeartbeat }

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Message kind or heartbeat
	Seq       uint32  // Message id, 0 for notifications and heartbeats
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return errors.Wrapf(ErrInvalidFrame, "body of %d bytes exceeds %d", len(body), MaxBodySize)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	// one write per frame keeps frames whole on sockets shared by several writers
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, errors.Wrapf(ErrInvalidFrame, "body length %d exceeds %d", bodyLen, MaxBodySize)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
