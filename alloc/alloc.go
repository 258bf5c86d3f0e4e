// Package alloc implements a malloc/free style allocator whose entire state lives inside
// a shm.Buffer, so every context that maps the buffer can allocate and free in it and
// the resulting offsets are meaningful on both sides.
//
// Blocks are 8-byte aligned and start with an 8-byte header:
//
//	block                     payload (aligned)
//	┌──────────────┬──────────┬─────┬─────────┬──────────────────┐
//	│ size|inuse   │ next     │ pad │ backref │ payload ...      │
//	│ uint32       │ uint32   │     │ uint32  │                  │
//	└──────────────┴──────────┴─────┴─────────┴──────────────────┘
//
// "next" links free blocks; "backref" (the word right before the payload) is the distance
// from the payload back to its block header, which lets Free find the block of an
// over-aligned allocation. When no padding is needed backref and next share a word.
package alloc

import (
	"math/bits"

	"github.com/pkg/errors"

	"sync-rpc/shm"
)

// allocator state words inside the buffer header
const (
	stInit   = shm.AllocatorStateOffset + 0
	stLock   = shm.AllocatorStateOffset + 4
	stTop    = shm.AllocatorStateOffset + 8
	stFree   = shm.AllocatorStateOffset + 12
	stInUse  = shm.AllocatorStateOffset + 16
	stAllocs = shm.AllocatorStateOffset + 20
)

const (
	blockHeaderSize = 8
	minBlockSize    = 16
	// remainders smaller than this stay attached to the allocated block
	minSplitSize = 32
	inUseBit     = 1

	initDone = 2
)

var (
	ErrOutOfMemory      = errors.New("alloc: out of memory")
	ErrInvalidAlignment = errors.New("alloc: alignment must be a power of two of at least 4")
	ErrInvalidFree      = errors.New("alloc: pointer was not allocated or is already free")
)

// Allocator hands out ranges of a shared buffer. Its only local state is the buffer
// reference; two Allocators over the same buffer cooperate.
type Allocator struct {
	buf *shm.Buffer
}

// New attaches an allocator to buf, initializing the shared allocator state if no
// other context has done so yet.
func New(buf *shm.Buffer) (*Allocator, error) {
	a := &Allocator{buf: buf}
	if buf.CompareAndSwap(stInit, 0, 1) {
		buf.Store(stTop, shm.HeaderSize)
		buf.Store(stFree, 0)
		buf.Store(stInit, initDone)
		buf.Notify(stInit, -1)
		return a, nil
	}
	for buf.Load(stInit) != initDone {
		if _, err := buf.Wait(stInit, 1, -1); err != nil {
			return nil, errors.Wrap(err, "wait for allocator init")
		}
	}
	return a, nil
}

// Buffer returns the buffer the allocator manages.
func (a *Allocator) Buffer() *shm.Buffer { return a.buf }

func (a *Allocator) lock() {
	bo := shm.WaitBackoff()
	for !a.buf.CompareAndSwap(stLock, 0, 1) {
		a.buf.Await(stLock, 1, -1, bo)
	}
}

func (a *Allocator) unlock() {
	a.buf.Store(stLock, 0)
	a.buf.Notify(stLock, 1)
}

func alignUp(n, align uint32) uint32 { return (n + align - 1) &^ (align - 1) }

// Alloc returns a zeroed range of size bytes whose offset is a multiple of align.
func (a *Allocator) Alloc(align, size uint32) (Range, error) {
	if align < 4 || bits.OnesCount32(align) != 1 {
		return Range{}, errors.Wrapf(ErrInvalidAlignment, "align %d", align)
	}
	if align < blockHeaderSize {
		align = blockHeaderSize
	}
	need64 := uint64(blockHeaderSize) + uint64(align-blockHeaderSize) + uint64(size)
	if need64 > uint64(a.buf.Cap()) {
		return Range{}, errors.Wrapf(ErrOutOfMemory, "request of %d bytes exceeds buffer capacity %d", size, a.buf.Cap())
	}
	need := alignUp(uint32(need64), blockHeaderSize)
	if need < minBlockSize {
		need = minBlockSize
	}

	a.lock()
	defer a.unlock()

	block, err := a.takeFree(need)
	if err != nil {
		return Range{}, err
	}
	if block == 0 {
		if block, err = a.bump(need); err != nil {
			return Range{}, err
		}
	}

	p := alignUp(block+blockHeaderSize, align)
	a.buf.Store(p-4, p-block)

	payload, _ := a.buf.Bytes(p, size)
	clear(payload)

	a.buf.Add(stInUse, a.blockSize(block))
	a.buf.Add(stAllocs, 1)
	return Range{a: a, Ptr: p, Size: size}, nil
}

func (a *Allocator) blockSize(block uint32) uint32 { return a.buf.Load(block) &^ inUseBit }

// takeFree unlinks the first free block of at least need bytes, splitting off the rest.
// It returns 0 when the free list has nothing suitable.
func (a *Allocator) takeFree(need uint32) (uint32, error) {
	prev := uint32(0)
	limit := a.buf.Size() / minBlockSize
	for cur, steps := a.buf.Load(stFree), uint32(0); cur != 0; cur, steps = a.buf.Load(cur+4), steps+1 {
		if steps > limit || a.buf.CheckRange(cur, blockHeaderSize) != nil {
			return 0, errors.New("alloc: free list is corrupted")
		}
		size := a.buf.Load(cur)
		if size&inUseBit != 0 || size < need {
			prev = cur
			continue
		}

		next := a.buf.Load(cur + 4)
		if prev == 0 {
			a.buf.Store(stFree, next)
		} else {
			a.buf.Store(prev+4, next)
		}
		if size-need >= minSplitSize {
			rest := cur + need
			a.buf.Store(rest, size-need)
			a.buf.Store(rest+4, a.buf.Load(stFree))
			a.buf.Store(stFree, rest)
			size = need
		}
		a.buf.Store(cur, size|inUseBit)
		return cur, nil
	}
	return 0, nil
}

func (a *Allocator) bump(need uint32) (uint32, error) {
	block := a.buf.Load(stTop)
	end := uint64(block) + uint64(need)
	if end > uint64(a.buf.Cap()) {
		return 0, errors.Wrapf(ErrOutOfMemory, "need %d bytes at %d, capacity %d", need, block, a.buf.Cap())
	}
	if uint32(end) > a.buf.Size() {
		if _, err := a.buf.Grow(uint32(end)); err != nil {
			return 0, errors.Wrap(ErrOutOfMemory, err.Error())
		}
	}
	a.buf.Store(stTop, uint32(end))
	a.buf.Store(block, need|inUseBit)
	return block, nil
}

// blockOf validates p as a live payload pointer and returns its block.
func (a *Allocator) blockOf(p uint32) (uint32, error) {
	if p < shm.HeaderSize+blockHeaderSize || p%4 != 0 || a.buf.CheckRange(p-4, 4) != nil {
		return 0, errors.Wrapf(ErrInvalidFree, "pointer %d", p)
	}
	back := a.buf.Load(p - 4)
	if back < blockHeaderSize || back > p-shm.HeaderSize {
		return 0, errors.Wrapf(ErrInvalidFree, "pointer %d", p)
	}
	block := p - back
	if block%blockHeaderSize != 0 || block >= a.buf.Load(stTop) {
		return 0, errors.Wrapf(ErrInvalidFree, "pointer %d", p)
	}
	size := a.buf.Load(block)
	if size&inUseBit == 0 || block+(size&^inUseBit) <= p {
		return 0, errors.Wrapf(ErrInvalidFree, "pointer %d", p)
	}
	return block, nil
}

// Free returns r to the allocator.
func (a *Allocator) Free(r Range) error {
	a.lock()
	defer a.unlock()

	block, err := a.blockOf(r.Ptr)
	if err != nil {
		return err
	}
	size := a.blockSize(block)
	a.buf.Add(stInUse, ^(size - 1))
	a.buf.Add(stAllocs, ^uint32(0))

	if block+size == a.buf.Load(stTop) {
		a.buf.Store(block, size)
		a.buf.Store(stTop, block)
		return nil
	}
	a.buf.Store(block, size)
	a.buf.Store(block+4, a.buf.Load(stFree))
	a.buf.Store(stFree, block)
	return nil
}

// Realloc resizes r, moving it when its block cannot hold size bytes. The first
// min(r.Size, size) bytes are preserved; bytes beyond r.Size are zeroed.
func (a *Allocator) Realloc(r Range, align, size uint32) (Range, error) {
	if align < 4 || bits.OnesCount32(align) != 1 {
		return Range{}, errors.Wrapf(ErrInvalidAlignment, "align %d", align)
	}
	a.lock()
	block, err := a.blockOf(r.Ptr)
	if err != nil {
		a.unlock()
		return Range{}, err
	}
	capacity := block + a.blockSize(block) - r.Ptr
	if size <= capacity && r.Ptr%align == 0 {
		if size > r.Size {
			grown, _ := a.buf.Bytes(r.Ptr+r.Size, size-r.Size)
			clear(grown)
		}
		a.unlock()
		return Range{a: a, Ptr: r.Ptr, Size: size}, nil
	}
	a.unlock()

	moved, err := a.Alloc(align, size)
	if err != nil {
		return Range{}, err
	}
	copy(moved.Bytes(), r.Bytes())
	if err := a.Free(r); err != nil {
		return Range{}, err
	}
	return moved, nil
}

// RangeOf turns a location received from a peer back into a range owned by a.
func (a *Allocator) RangeOf(loc shm.Location) (Range, error) {
	if loc.MemoryID != a.buf.ID() {
		return Range{}, errors.Wrapf(shm.ErrUnknownMemory, "%s is not managed by this allocator", loc.MemoryID)
	}
	if err := a.buf.CheckRange(loc.Ptr, loc.Size); err != nil {
		return Range{}, err
	}
	return Range{a: a, Ptr: loc.Ptr, Size: loc.Size}, nil
}

// Stats is a snapshot of the allocator's bookkeeping.
type Stats struct {
	InUse       uint32 // bytes held by live blocks, headers included
	Allocations uint32 // live allocations
	Top         uint32 // end of the bump region
}

func (a *Allocator) Stats() Stats {
	return Stats{
		InUse:       a.buf.Load(stInUse),
		Allocations: a.buf.Load(stAllocs),
		Top:         a.buf.Load(stTop),
	}
}
