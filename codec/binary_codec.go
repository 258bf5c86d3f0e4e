package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"sync-rpc/message"
	"sync-rpc/shm"
)

// BinaryCodec writes a message as length-prefixed fields, big-endian:
//
//	kind(1) id(4) method(2+n) params(4+n) result(4+n)
//	hasError(1) [code(4) message(2+n) data(4+n)]
//	hasRegion(1) [memory(2+n) ptr(4) size(4)]
type BinaryCodec struct{}

var errNotMessage = errors.New("BinaryCodec: v must be *message.Message")

type writer struct{ buf []byte }

func (w *writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) str(s string) error {
	if len(s) > 0xFFFF {
		return errors.Errorf("BinaryCodec: string of %d bytes too long", len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errNotMessage
	}
	w := &writer{buf: make([]byte, 0, 32+len(msg.Method)+len(msg.Params)+len(msg.Result))}
	w.u8(byte(msg.Kind))
	w.u32(msg.ID)
	if err := w.str(msg.Method); err != nil {
		return nil, err
	}
	w.bytes(msg.Params)
	w.bytes(msg.Result)

	if msg.Error != nil {
		w.u8(1)
		w.u32(uint32(msg.Error.Code))
		if err := w.str(msg.Error.Message); err != nil {
			return nil, err
		}
		w.bytes(msg.Error.Data)
	} else {
		w.u8(0)
	}

	if msg.Region != nil {
		w.u8(1)
		if err := w.str(msg.Region.MemoryID); err != nil {
			return nil, err
		}
		w.u32(msg.Region.Ptr)
		w.u32(msg.Region.Size)
	} else {
		w.u8(0)
	}
	return w.buf, nil
}

// reader records the first short read and returns zero values afterwards, so Decode
// can check once at the end.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.data) {
		r.err = errors.Errorf("BinaryCodec: truncated message, need %d bytes, have %d", n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) str() string { return string(r.take(int(r.u16()))) }

// bytes copies so the message does not alias the frame buffer. Empty fields decode as nil.
func (r *reader) bytes() []byte {
	n := int(r.u32())
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errNotMessage
	}
	r := &reader{data: data}
	*msg = message.Message{
		Kind:   message.Kind(r.u8()),
		ID:     r.u32(),
		Method: r.str(),
		Params: r.bytes(),
		Result: r.bytes(),
	}
	if r.u8() == 1 {
		msg.Error = &message.Error{
			Code:    int32(r.u32()),
			Message: r.str(),
			Data:    r.bytes(),
		}
	}
	if r.u8() == 1 {
		msg.Region = &shm.Location{MemoryID: r.str(), Ptr: r.u32(), Size: r.u32()}
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
