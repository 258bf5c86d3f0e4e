package alloc

import (
	"fmt"

	"sync-rpc/shm"
)

// Range is a live allocation. It knows the allocator that can free it, which is what
// distinguishes it from a bare shm.Location.
type Range struct {
	a    *Allocator
	Ptr  uint32
	Size uint32
}

func (r Range) IsZero() bool { return r.a == nil }

// Allocator returns the allocator owning the range.
func (r Range) Allocator() *Allocator { return r.a }

// Bytes returns the shared bytes of the range.
func (r Range) Bytes() []byte {
	b, err := r.a.buf.Bytes(r.Ptr, r.Size)
	if err != nil {
		// committed memory never shrinks, so a range handed out by the allocator stays valid
		panic(fmt.Sprintf("alloc: %v: %v", r, err))
	}
	return b
}

// Location returns the portable descriptor of the range.
func (r Range) Location() shm.Location {
	return shm.Location{MemoryID: r.a.buf.ID(), Ptr: r.Ptr, Size: r.Size}
}

// Word returns the byte offset inside the buffer of the i-th 32-bit word of the range,
// for use with the buffer's atomic operations.
func (r Range) Word(i uint32) uint32 { return r.Ptr + 4*i }

// Free returns the range to its allocator.
func (r Range) Free() error { return r.a.Free(r) }

func (r Range) String() string {
	return fmt.Sprintf("range[ptr=%d size=%d]", r.Ptr, r.Size)
}
