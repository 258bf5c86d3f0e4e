package shared

import (
	"encoding/binary"
	"math"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

// Codec stores values of type T in fixed-size slots of shared memory. Values that do not
// fit a slot (strings) keep their bytes in a separate allocation referenced from the
// slot; Free releases that allocation when the slot is discarded.
type Codec[T any] interface {
	Size() uint32
	Encode(a *alloc.Allocator, dst []byte, v T) error
	Decode(a *alloc.Allocator, src []byte) (T, error)
	Free(a *alloc.Allocator, src []byte) error
}

type inline struct{}

func (inline) Free(*alloc.Allocator, []byte) error { return nil }

type uint32Codec struct{ inline }

func (uint32Codec) Size() uint32 { return 4 }
func (uint32Codec) Encode(_ *alloc.Allocator, dst []byte, v uint32) error {
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}
func (uint32Codec) Decode(_ *alloc.Allocator, src []byte) (uint32, error) {
	return binary.LittleEndian.Uint32(src), nil
}

type int32Codec struct{ inline }

func (int32Codec) Size() uint32 { return 4 }
func (int32Codec) Encode(_ *alloc.Allocator, dst []byte, v int32) error {
	binary.LittleEndian.PutUint32(dst, uint32(v))
	return nil
}
func (int32Codec) Decode(_ *alloc.Allocator, src []byte) (int32, error) {
	return int32(binary.LittleEndian.Uint32(src)), nil
}

type uint64Codec struct{ inline }

func (uint64Codec) Size() uint32 { return 8 }
func (uint64Codec) Encode(_ *alloc.Allocator, dst []byte, v uint64) error {
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}
func (uint64Codec) Decode(_ *alloc.Allocator, src []byte) (uint64, error) {
	return binary.LittleEndian.Uint64(src), nil
}

type int64Codec struct{ inline }

func (int64Codec) Size() uint32 { return 8 }
func (int64Codec) Encode(_ *alloc.Allocator, dst []byte, v int64) error {
	binary.LittleEndian.PutUint64(dst, uint64(v))
	return nil
}
func (int64Codec) Decode(_ *alloc.Allocator, src []byte) (int64, error) {
	return int64(binary.LittleEndian.Uint64(src)), nil
}

type float64Codec struct{ inline }

func (float64Codec) Size() uint32 { return 8 }
func (float64Codec) Encode(_ *alloc.Allocator, dst []byte, v float64) error {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	return nil
}
func (float64Codec) Decode(_ *alloc.Allocator, src []byte) (float64, error) {
	return math.Float64frombits(binary.LittleEndian.Uint64(src)), nil
}

type boolCodec struct{ inline }

func (boolCodec) Size() uint32 { return 4 }
func (boolCodec) Encode(_ *alloc.Allocator, dst []byte, v bool) error {
	var w uint32
	if v {
		w = 1
	}
	binary.LittleEndian.PutUint32(dst, w)
	return nil
}
func (boolCodec) Decode(_ *alloc.Allocator, src []byte) (bool, error) {
	return binary.LittleEndian.Uint32(src) != 0, nil
}

// stringCodec slots hold (ptr, len) of an out-of-line allocation.
type stringCodec struct{}

func (stringCodec) Size() uint32 { return 8 }

func (stringCodec) Encode(a *alloc.Allocator, dst []byte, v string) error {
	if len(v) == 0 {
		binary.LittleEndian.PutUint64(dst, 0)
		return nil
	}
	r, err := a.Alloc(4, uint32(len(v)))
	if err != nil {
		return err
	}
	copy(r.Bytes(), v)
	binary.LittleEndian.PutUint32(dst[0:4], r.Ptr)
	binary.LittleEndian.PutUint32(dst[4:8], r.Size)
	return nil
}

func (stringCodec) location(a *alloc.Allocator, src []byte) shm.Location {
	return shm.Location{
		MemoryID: a.Buffer().ID(),
		Ptr:      binary.LittleEndian.Uint32(src[0:4]),
		Size:     binary.LittleEndian.Uint32(src[4:8]),
	}
}

func (c stringCodec) Decode(a *alloc.Allocator, src []byte) (string, error) {
	loc := c.location(a, src)
	if loc.Ptr == 0 {
		return "", nil
	}
	b, err := a.Buffer().Bytes(loc.Ptr, loc.Size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c stringCodec) Free(a *alloc.Allocator, src []byte) error {
	loc := c.location(a, src)
	if loc.Ptr == 0 {
		return nil
	}
	r, err := a.RangeOf(loc)
	if err != nil {
		return err
	}
	return r.Free()
}

var (
	Uint32  Codec[uint32]  = uint32Codec{}
	Int32   Codec[int32]   = int32Codec{}
	Uint64  Codec[uint64]  = uint64Codec{}
	Int64   Codec[int64]   = int64Codec{}
	Float64 Codec[float64] = float64Codec{}
	Bool    Codec[bool]    = boolCodec{}
	String  Codec[string]  = stringCodec{}
)
