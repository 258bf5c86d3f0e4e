// Package shm provides the shareable memory primitive the rest of sync-rpc is built on.
//
// A Buffer is a contiguous byte region that two execution contexts (goroutines in one
// process, or two processes mapping the same segment file) can read and write
// concurrently. Every aligned 32-bit word of a Buffer supports atomic load/store/CAS/add
// and a blocking Wait/Notify pair, which is all the blocking call engine needs.
//
// Buffer layout:
//
//	0        4        8          12       16                     64
//	┌────────┬────────┬──────────┬────────┬──────────────────────┬──────────────────┐
//	│ magic  │version │committed │  max   │ allocator state (48) │ user data ...    │
//	│ "SRPC" │   01   │  uint32  │ uint32 │ owned by package alloc│                  │
//	└────────┴────────┴──────────┴────────┴──────────────────────┴──────────────────┘
//
// The backing memory is reserved at the maximum size up front, so growing the committed
// size never moves existing data and offsets handed to a peer stay valid.
package shm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Magic   uint32 = 0x43505253 // "SRPC" little endian
	Version uint32 = 1

	// HeaderSize is the number of bytes at the start of every buffer that are not
	// available to the allocator.
	HeaderSize = 64

	// PageSize is the growth granularity of the committed size.
	PageSize = 4096

	offMagic     = 0
	offVersion   = 4
	offCommitted = 8
	offMax       = 12

	// AllocatorStateOffset and AllocatorStateSize delimit the header bytes reserved
	// for the allocator living inside the buffer.
	AllocatorStateOffset = 16
	AllocatorStateSize   = HeaderSize - AllocatorStateOffset
)

var (
	ErrOutOfBounds    = errors.New("shm: offset out of bounds")
	ErrMisaligned     = errors.New("shm: offset is not 4-byte aligned")
	ErrGrowLimit      = errors.New("shm: buffer cannot grow beyond its maximum size")
	ErrUnknownMemory  = errors.New("shm: unknown memory id")
	ErrInvalidSegment = errors.New("shm: invalid segment")
	ErrInvalidSize    = errors.New("shm: invalid buffer size")
)

// Buffer is a shareable memory region. It is safe for concurrent use.
type Buffer struct {
	id  string
	mem []byte // reserved at the maximum size

	closeOnce sync.Once
	closer    func() error
	closeErr  error
}

// New allocates a heap-backed buffer usable by goroutines of the current process.
// initial is the committed size, max the size the buffer may grow to.
func New(initial, max uint32) (*Buffer, error) {
	initial, max, err := normalizeSizes(initial, max)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		id:  uuid.NewString(),
		mem: make([]byte, max),
	}
	b.init(initial, max)
	return b, nil
}

func normalizeSizes(initial, max uint32) (uint32, uint32, error) {
	if initial < HeaderSize {
		initial = HeaderSize
	}
	initial = roundPage(initial)
	max = roundPage(max)
	if max < initial {
		return 0, 0, errors.Wrapf(ErrInvalidSize, "initial %d > max %d", initial, max)
	}
	return initial, max, nil
}

func roundPage(n uint32) uint32 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

func (b *Buffer) init(committed, max uint32) {
	b.Store(offVersion, Version)
	b.Store(offCommitted, committed)
	b.Store(offMax, max)
	// magic last: a reader that sees it sees a complete header
	b.Store(offMagic, Magic)
}

func (b *Buffer) validate() error {
	if b.Load(offMagic) != Magic {
		return errors.Wrapf(ErrInvalidSegment, "bad magic %#x", b.Load(offMagic))
	}
	if v := b.Load(offVersion); v != Version {
		return errors.Wrapf(ErrInvalidSegment, "unsupported version %d", v)
	}
	if max := b.Load(offMax); int(max) != len(b.mem) {
		return errors.Wrapf(ErrInvalidSegment, "max size %d does not match mapping %d", max, len(b.mem))
	}
	return nil
}

// ID returns the memory id peers use to resolve this buffer.
func (b *Buffer) ID() string { return b.id }

// Size returns the committed size.
func (b *Buffer) Size() uint32 { return b.Load(offCommitted) }

// Cap returns the maximum size the buffer can grow to.
func (b *Buffer) Cap() uint32 { return uint32(len(b.mem)) }

// Grow makes sure at least n bytes are committed and returns the committed size.
func (b *Buffer) Grow(n uint32) (uint32, error) {
	if n > b.Cap() {
		return b.Size(), errors.Wrapf(ErrGrowLimit, "requested %d, max %d", n, b.Cap())
	}
	target := roundPage(n)
	if target > b.Cap() {
		target = b.Cap()
	}
	for {
		cur := b.Size()
		if cur >= n {
			return cur, nil
		}
		if b.CompareAndSwap(offCommitted, cur, target) {
			return target, nil
		}
	}
}

// Bytes returns a view of n bytes at off. The view aliases the shared memory.
func (b *Buffer) Bytes(off, n uint32) ([]byte, error) {
	if err := b.CheckRange(off, n); err != nil {
		return nil, err
	}
	return b.mem[off : off+n : off+n], nil
}

// CheckRange reports whether [off, off+n) lies within the committed size.
func (b *Buffer) CheckRange(off, n uint32) error {
	end := uint64(off) + uint64(n)
	if end > uint64(b.Size()) {
		return errors.Wrapf(ErrOutOfBounds, "range [%d,%d) exceeds committed size %d", off, end, b.Size())
	}
	return nil
}

// CheckWord reports whether off addresses an aligned word inside the committed size.
func (b *Buffer) CheckWord(off uint32) error {
	if off%4 != 0 {
		return errors.Wrapf(ErrMisaligned, "offset %d", off)
	}
	return b.CheckRange(off, 4)
}

func (b *Buffer) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(b.mem) {
		panic(fmt.Sprintf("shm: invalid word offset %d (buffer %d bytes)", off, len(b.mem)))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

// Load atomically reads the word at off.
func (b *Buffer) Load(off uint32) uint32 { return atomic.LoadUint32(b.word(off)) }

// Store atomically writes the word at off.
func (b *Buffer) Store(off, v uint32) { atomic.StoreUint32(b.word(off), v) }

// CompareAndSwap executes the compare-and-swap operation on the word at off.
func (b *Buffer) CompareAndSwap(off, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(b.word(off), old, new)
}

// Add atomically adds delta to the word at off and returns the new value.
func (b *Buffer) Add(off, delta uint32) uint32 { return atomic.AddUint32(b.word(off), delta) }

// Close releases the backing memory of segment buffers. Heap buffers are left to the
// garbage collector.
func (b *Buffer) Close() error {
	b.closeOnce.Do(func() {
		if b.closer != nil {
			b.closeErr = b.closer()
		}
	})
	return b.closeErr
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer[id=%s committed=%d max=%d]", b.id, b.Size(), b.Cap())
}
