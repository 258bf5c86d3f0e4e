package shared

import (
	"github.com/pkg/errors"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

// Record header, after the object header: entries, count, capacity, valueSize.
// Entries are [key (String codec, 8 bytes)][value slot, 8-byte aligned], unordered.
const (
	recEntries    = objectSize
	recCount      = objectSize + 4
	recCapacity   = objectSize + 8
	recValueSize  = objectSize + 12
	recHeaderSize = objectSize + 16

	recKeySize = 8
)

// Record maps string keys to values of type T in shared memory. Lookups are linear;
// records are meant for small structured payloads, not as general purpose maps.
type Record[T any] struct {
	Object
	codec Codec[T]
}

func NewRecord[T any](a *alloc.Allocator, codec Codec[T]) (*Record[T], error) {
	obj, err := newObject(a, kindRecord, recHeaderSize)
	if err != nil {
		return nil, err
	}
	r := &Record[T]{Object: obj, codec: codec}
	r.setWord(recValueSize, codec.Size())
	track(r, &r.Object, destroyRecord(a, codec, obj.r))
	return r, nil
}

func OpenRecord[T any](a *alloc.Allocator, codec Codec[T], loc shm.Location) (*Record[T], error) {
	obj, err := openObject(a, kindRecord, recHeaderSize, loc)
	if err != nil {
		return nil, err
	}
	r := &Record[T]{Object: obj, codec: codec}
	track(r, &r.Object, destroyRecord(a, codec, obj.r))
	if vs := r.word(recValueSize); vs != codec.Size() {
		r.Release()
		return nil, errors.Wrapf(ErrKindMismatch, "value size %d, codec size %d", vs, codec.Size())
	}
	return r, nil
}

func entrySize(valueSize uint32) uint32 { return recKeySize + (valueSize+7)&^7 }

func destroyRecord[T any](a *alloc.Allocator, codec Codec[T], header alloc.Range) func() error {
	return func() error {
		buf := a.Buffer()
		entries := buf.Load(header.Ptr + recEntries)
		n := buf.Load(header.Ptr + recCount)
		vs := buf.Load(header.Ptr + recValueSize)
		var errs error
		if entries != 0 {
			es := entrySize(vs)
			for i := uint32(0); i < n; i++ {
				e, err := buf.Bytes(entries+i*es, es)
				if err != nil {
					return err
				}
				if err := String.Free(a, e[:recKeySize]); err != nil && errs == nil {
					errs = err
				}
				if err := codec.Free(a, e[recKeySize:recKeySize+vs]); err != nil && errs == nil {
					errs = err
				}
			}
			if err := a.Free(alloc.Range{Ptr: entries}); err != nil && errs == nil {
				errs = err
			}
		}
		if err := header.Free(); err != nil && errs == nil {
			errs = err
		}
		return errs
	}
}

func (r *Record[T]) Attach() (*Record[T], error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return OpenRecord(r.a, r.codec, r.Location())
}

func (r *Record[T]) Len() uint32 { return r.word(recCount) }

func (r *Record[T]) entry(i uint32) (key, value []byte) {
	vs := r.word(recValueSize)
	es := entrySize(vs)
	e, err := r.buf().Bytes(r.word(recEntries)+i*es, es)
	if err != nil {
		panic(err)
	}
	return e[:recKeySize], e[recKeySize : recKeySize+vs]
}

func (r *Record[T]) find(key string) (uint32, bool, error) {
	for i := uint32(0); i < r.Len(); i++ {
		k, _ := r.entry(i)
		got, err := String.Decode(r.a, k)
		if err != nil {
			return 0, false, err
		}
		if got == key {
			return i, true, nil
		}
	}
	return 0, false, nil
}

func (r *Record[T]) Get(key string) (T, bool, error) {
	var zero T
	if err := r.live(); err != nil {
		return zero, false, err
	}
	i, ok, err := r.find(key)
	if err != nil || !ok {
		return zero, false, err
	}
	_, v := r.entry(i)
	val, err := r.codec.Decode(r.a, v)
	if err != nil {
		return zero, false, err
	}
	return val, true, nil
}

func (r *Record[T]) grow() error {
	es := entrySize(r.word(recValueSize))
	oldCap := r.word(recCapacity)
	newCap := oldCap * 2
	if newCap == 0 {
		newCap = 4
	}
	size, err := slotsSize(r.a, newCap, es)
	if err != nil {
		return err
	}
	entries, err := r.a.Alloc(8, size)
	if err != nil {
		return errors.Wrapf(err, "grow record to %d entries", newCap)
	}
	if old := r.word(recEntries); old != 0 {
		b, _ := r.buf().Bytes(old, oldCap*es)
		copy(entries.Bytes(), b)
		if err := r.a.Free(alloc.Range{Ptr: old}); err != nil {
			return err
		}
	}
	r.setWord(recEntries, entries.Ptr)
	r.setWord(recCapacity, newCap)
	return nil
}

// Set stores v under key, replacing any previous value.
func (r *Record[T]) Set(key string, v T) error {
	if err := r.live(); err != nil {
		return err
	}
	i, ok, err := r.find(key)
	if err != nil {
		return err
	}
	if ok {
		_, slot := r.entry(i)
		if err := r.codec.Free(r.a, slot); err != nil {
			return err
		}
		if err := r.codec.Encode(r.a, slot, v); err != nil {
			return err
		}
		r.bumpState()
		return nil
	}

	n := r.Len()
	if n == r.word(recCapacity) {
		if err := r.grow(); err != nil {
			return err
		}
	}
	k, slot := r.entry(n)
	if err := String.Encode(r.a, k, key); err != nil {
		return err
	}
	if err := r.codec.Encode(r.a, slot, v); err != nil {
		String.Free(r.a, k)
		clear(k)
		return err
	}
	r.setWord(recCount, n+1)
	r.bumpState()
	return nil
}

// Delete removes key and reports whether it was present.
func (r *Record[T]) Delete(key string) (bool, error) {
	if err := r.live(); err != nil {
		return false, err
	}
	i, ok, err := r.find(key)
	if err != nil || !ok {
		return false, err
	}
	k, v := r.entry(i)
	if err := String.Free(r.a, k); err != nil {
		return false, err
	}
	if err := r.codec.Free(r.a, v); err != nil {
		return false, err
	}
	last := r.Len() - 1
	if i != last {
		lk, lv := r.entry(last)
		copy(k, lk)
		copy(v, lv)
	}
	lk, lv := r.entry(last)
	clear(lk)
	clear(lv)
	r.setWord(recCount, last)
	r.bumpState()
	return true, nil
}

// Keys iterates over the keys in storage order.
func (r *Record[T]) Keys() *Iterator[string] {
	i := uint32(0)
	return newIterator(r.state, func() (string, bool, error) {
		if i >= r.Len() {
			return "", false, nil
		}
		k, _ := r.entry(i)
		i++
		key, err := String.Decode(r.a, k)
		return key, err == nil, err
	})
}
