// Package shared implements collections that live entirely in a shared buffer, so that
// two execution contexts can exchange structured data without serializing it.
//
// Every collection starts with the same object header:
//
//	0          4          8        12
//	┌──────────┬──────────┬────────┬──────────────────────┐
//	│ semaphore│ refcount │ kind   │ collection fields ...│
//	└──────────┴──────────┴────────┴──────────────────────┘
//
// The semaphore backs Lock, the refcount tracks how many handles (in any context) are
// attached. Handles are released explicitly with Release; a handle dropped without
// Release is released by a runtime cleanup as a last resort.
package shared

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

const (
	offSemaphore = 0
	offRefs      = 4
	offKind      = 8
	// offState is the modification counter of every collection
	offState   = 12
	objectSize = 16
)

type kind uint32

const (
	kindArray  kind = 0x41525259 // "ARRY"
	kindList   kind = 0x4c495354 // "LIST"
	kindRecord kind = 0x5245434f // "RECO"
)

var (
	ErrConcurrentModification = errors.New("shared: collection was modified during iteration")
	ErrReleased               = errors.New("shared: object was already released")
	ErrKindMismatch           = errors.New("shared: location does not hold an object of the expected kind")
	ErrIndexOutOfRange        = errors.New("shared: index out of range")
)

// Object is the part common to every shared collection handle.
type Object struct {
	a       *alloc.Allocator
	r       alloc.Range
	own     *ownership
	cleanup runtime.Cleanup
}

// ownership is kept apart from the handle so that the runtime cleanup can reach it
// without keeping the handle alive.
type ownership struct {
	a        *alloc.Allocator
	ptr      uint32
	destroy  func() error
	released atomic.Bool
}

func (o *ownership) release() error {
	if !o.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if o.a.Buffer().Add(o.ptr+offRefs, ^uint32(0)) == 0 {
		return o.destroy()
	}
	return nil
}

func releaseLeaked(o *ownership) {
	if o.released.Load() {
		return
	}
	logrus.WithField("component", "shared").
		WithField("ptr", o.ptr).
		Debug("shared object handle collected without Release")
	o.release()
}

func newObject(a *alloc.Allocator, k kind, size uint32) (Object, error) {
	r, err := a.Alloc(8, size)
	if err != nil {
		return Object{}, err
	}
	buf := a.Buffer()
	buf.Store(r.Ptr+offKind, uint32(k))
	buf.Store(r.Ptr+offRefs, 1)
	buf.Store(r.Ptr+offSemaphore, 1)
	return Object{a: a, r: r, own: &ownership{a: a, ptr: r.Ptr}}, nil
}

// openObject attaches to an object created by another handle, possibly in another
// context, incrementing its refcount.
func openObject(a *alloc.Allocator, k kind, size uint32, loc shm.Location) (Object, error) {
	r, err := a.RangeOf(loc)
	if err != nil {
		return Object{}, err
	}
	if r.Size < size {
		return Object{}, errors.Wrapf(ErrKindMismatch, "%v is too small", loc)
	}
	buf := a.Buffer()
	if got := kind(buf.Load(r.Ptr + offKind)); got != k {
		return Object{}, errors.Wrapf(ErrKindMismatch, "found %#x", uint32(got))
	}
	for {
		refs := buf.Load(r.Ptr + offRefs)
		if refs == 0 {
			return Object{}, errors.Wrapf(ErrReleased, "%v", loc)
		}
		if buf.CompareAndSwap(r.Ptr+offRefs, refs, refs+1) {
			break
		}
	}
	return Object{a: a, r: r, own: &ownership{a: a, ptr: r.Ptr}}, nil
}

// track installs the destroy function of a fully built handle and registers the
// last-resort cleanup that releases it if it becomes unreachable.
func track[H any](h *H, o *Object, destroy func() error) {
	o.own.destroy = destroy
	o.cleanup = runtime.AddCleanup(h, releaseLeaked, o.own)
}

func (o *Object) live() error {
	if o.own.released.Load() {
		return ErrReleased
	}
	return nil
}

func (o *Object) bumpState() { o.a.Buffer().Add(o.r.Ptr+offState, 1) }

func (o *Object) state() uint32 { return o.word(offState) }

func (o *Object) buf() *shm.Buffer { return o.a.Buffer() }

func (o *Object) word(off uint32) uint32 { return o.a.Buffer().Load(o.r.Ptr + off) }

func (o *Object) setWord(off, v uint32) { o.a.Buffer().Store(o.r.Ptr+off, v) }

// Location returns the descriptor a peer passes to the matching Open function.
func (o *Object) Location() shm.Location { return o.r.Location() }

// Refs returns the number of attached handles across all contexts.
func (o *Object) Refs() uint32 { return o.word(offRefs) }

// Lock returns the lock stored in the object header.
func (o *Object) Lock() Lock { return Lock{buf: o.buf(), off: o.r.Ptr + offSemaphore} }

// RunLocked runs fn while holding the object's lock, releasing it even if fn panics.
func (o *Object) RunLocked(fn func() error) error {
	l := o.Lock()
	l.Acquire()
	defer l.Release()
	return fn()
}

// Release detaches this handle. The shared memory is freed when the last handle in any
// context is released.
func (o *Object) Release() error {
	o.cleanup.Stop()
	return o.own.release()
}
