package shared

import (
	"github.com/pkg/errors"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

// Array header, after the object header:
//
//	12       16       20       24         28            32
//	┌────────┬────────┬────────┬──────────┬─────────────┐
//	│ state  │ start  │ next   │ capacity │ elementSize │
//	└────────┴────────┴────────┴──────────┴─────────────┘
//
// start points at capacity*elementSize bytes of element slots, next is the length.
const (
	arrStart       = objectSize
	arrNext        = objectSize + 4
	arrCapacity    = objectSize + 8
	arrElementSize = objectSize + 12
	arrHeaderSize  = objectSize + 16
)

// Array is a growable array living in shared memory. A single Array is not safe for
// concurrent mutation; use Synchronized when more than one context writes.
type Array[T any] struct {
	Object
	codec Codec[T]
}

// NewArray allocates an empty array with room for capacity elements.
func NewArray[T any](a *alloc.Allocator, codec Codec[T], capacity uint32) (*Array[T], error) {
	obj, err := newObject(a, kindArray, arrHeaderSize)
	if err != nil {
		return nil, err
	}
	arr := &Array[T]{Object: obj, codec: codec}
	arr.setWord(arrElementSize, codec.Size())
	if capacity > 0 {
		size, err := slotsSize(a, capacity, codec.Size())
		if err != nil {
			obj.r.Free()
			return nil, err
		}
		elems, err := a.Alloc(8, size)
		if err != nil {
			obj.r.Free()
			return nil, errors.Wrap(err, "allocate array elements")
		}
		arr.setWord(arrStart, elems.Ptr)
		arr.setWord(arrCapacity, capacity)
	}
	track(arr, &arr.Object, destroyArray(a, codec, obj.r))
	return arr, nil
}

// OpenArray attaches to an array created elsewhere, typically by the peer of a
// connection that sent its Location.
func OpenArray[T any](a *alloc.Allocator, codec Codec[T], loc shm.Location) (*Array[T], error) {
	obj, err := openObject(a, kindArray, arrHeaderSize, loc)
	if err != nil {
		return nil, err
	}
	arr := &Array[T]{Object: obj, codec: codec}
	track(arr, &arr.Object, destroyArray(a, codec, obj.r))
	if es := arr.word(arrElementSize); es != codec.Size() {
		arr.Release()
		return nil, errors.Wrapf(ErrKindMismatch, "element size %d, codec size %d", es, codec.Size())
	}
	return arr, nil
}

// slotsSize returns the bytes n slots of size bytes take, failing when they could never
// fit in the buffer.
func slotsSize(a *alloc.Allocator, n, size uint32) (uint32, error) {
	total := uint64(n) * uint64(size)
	if total > uint64(a.Buffer().Cap()) {
		return 0, errors.Wrapf(alloc.ErrOutOfMemory, "%d slots of %d bytes exceed buffer capacity %d", n, size, a.Buffer().Cap())
	}
	return uint32(total), nil
}

func destroyArray[T any](a *alloc.Allocator, codec Codec[T], header alloc.Range) func() error {
	return func() error {
		buf := a.Buffer()
		start := buf.Load(header.Ptr + arrStart)
		n := buf.Load(header.Ptr + arrNext)
		es := buf.Load(header.Ptr + arrElementSize)
		var errs error
		if start != 0 {
			for i := uint32(0); i < n; i++ {
				slot, err := buf.Bytes(start+i*es, es)
				if err != nil {
					return err
				}
				if err := codec.Free(a, slot); err != nil && errs == nil {
					errs = err
				}
			}
			if err := a.Free(alloc.Range{Ptr: start}); err != nil && errs == nil {
				errs = err
			}
		}
		if err := header.Free(); err != nil && errs == nil {
			errs = err
		}
		return errs
	}
}

// Attach returns a second handle to the same array, incrementing the refcount.
func (s *Array[T]) Attach() (*Array[T], error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return OpenArray(s.a, s.codec, s.Location())
}

func (s *Array[T]) Len() uint32 { return s.word(arrNext) }

func (s *Array[T]) Cap() uint32 { return s.word(arrCapacity) }

func (s *Array[T]) slot(i uint32) []byte {
	es := s.word(arrElementSize)
	b, err := s.buf().Bytes(s.word(arrStart)+i*es, es)
	if err != nil {
		panic(err)
	}
	return b
}

func (s *Array[T]) grow() error {
	es := s.word(arrElementSize)
	oldCap := s.word(arrCapacity)
	newCap := oldCap * 2
	if newCap == 0 {
		newCap = 1
	}
	size, err := slotsSize(s.a, newCap, es)
	if err != nil {
		return err
	}
	elems, err := s.a.Alloc(8, size)
	if err != nil {
		return errors.Wrapf(err, "grow array to %d elements", newCap)
	}
	if oldStart := s.word(arrStart); oldStart != 0 {
		old, _ := s.buf().Bytes(oldStart, oldCap*es)
		copy(elems.Bytes(), old)
		if err := s.a.Free(alloc.Range{Ptr: oldStart}); err != nil {
			return err
		}
	}
	s.setWord(arrStart, elems.Ptr)
	s.setWord(arrCapacity, newCap)
	return nil
}

// Push appends v, doubling the backing storage when it is full.
func (s *Array[T]) Push(v T) error {
	if err := s.live(); err != nil {
		return err
	}
	n := s.Len()
	if n == s.Cap() {
		if err := s.grow(); err != nil {
			return err
		}
	}
	if err := s.codec.Encode(s.a, s.slot(n), v); err != nil {
		return err
	}
	s.setWord(arrNext, n+1)
	s.bumpState()
	return nil
}

// Pop removes the last element. On an empty array it returns false and no error.
func (s *Array[T]) Pop() (T, bool, error) {
	var zero T
	if err := s.live(); err != nil {
		return zero, false, err
	}
	n := s.Len()
	if n == 0 {
		return zero, false, nil
	}
	slot := s.slot(n - 1)
	v, err := s.codec.Decode(s.a, slot)
	if err != nil {
		return zero, false, err
	}
	if err := s.codec.Free(s.a, slot); err != nil {
		return zero, false, err
	}
	clear(slot)
	s.setWord(arrNext, n-1)
	s.bumpState()
	return v, true, nil
}

func (s *Array[T]) At(i uint32) (T, error) {
	var zero T
	if err := s.live(); err != nil {
		return zero, err
	}
	if i >= s.Len() {
		return zero, errors.Wrapf(ErrIndexOutOfRange, "index %d, length %d", i, s.Len())
	}
	return s.codec.Decode(s.a, s.slot(i))
}

func (s *Array[T]) Set(i uint32, v T) error {
	if err := s.live(); err != nil {
		return err
	}
	if i >= s.Len() {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, length %d", i, s.Len())
	}
	slot := s.slot(i)
	if err := s.codec.Free(s.a, slot); err != nil {
		return err
	}
	if err := s.codec.Encode(s.a, slot, v); err != nil {
		return err
	}
	s.bumpState()
	return nil
}

// Iterator walks the array from index 0.
func (s *Array[T]) Iterator() *Iterator[T] {
	i := uint32(0)
	return newIterator(s.state, func() (T, bool, error) {
		var zero T
		if i >= s.Len() {
			return zero, false, nil
		}
		v, err := s.At(i)
		i++
		return v, err == nil, err
	})
}

// Synchronized returns a view of the array whose operations hold the array's lock.
func (s *Array[T]) Synchronized() *SyncArray[T] { return &SyncArray[T]{arr: s} }

// SyncArray serializes every operation on an Array through its shared Lock, which
// makes it safe to mutate from several contexts at once.
type SyncArray[T any] struct {
	arr *Array[T]
}

func (s *SyncArray[T]) Push(v T) error {
	return s.arr.RunLocked(func() error { return s.arr.Push(v) })
}

func (s *SyncArray[T]) Pop() (v T, ok bool, err error) {
	err = s.arr.RunLocked(func() error {
		v, ok, err = s.arr.Pop()
		return err
	})
	return
}

func (s *SyncArray[T]) At(i uint32) (v T, err error) {
	err = s.arr.RunLocked(func() error {
		v, err = s.arr.At(i)
		return err
	})
	return
}

func (s *SyncArray[T]) Len() (n uint32) {
	s.arr.RunLocked(func() error {
		n = s.arr.Len()
		return nil
	})
	return
}

// Snapshot copies the array's contents while holding the lock.
func (s *SyncArray[T]) Snapshot() ([]T, error) {
	var out []T
	err := s.arr.RunLocked(func() error {
		it := s.arr.Iterator()
		for it.Next() {
			out = append(out, it.Value())
		}
		return it.Err()
	})
	return out, err
}
