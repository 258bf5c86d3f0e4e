package shared

import (
	"github.com/pkg/errors"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

// LinkedList header, after the object header: head, tail, size, elementSize.
// Nodes are separate allocations laid out as [next][prev][value].
const (
	listHead        = objectSize
	listTail        = objectSize + 4
	listSize        = objectSize + 8
	listElementSize = objectSize + 12
	listHeaderSize  = objectSize + 16

	nodeNext  = 0
	nodePrev  = 4
	nodeValue = 8
)

// LinkedList is a doubly linked list living in shared memory.
type LinkedList[T any] struct {
	Object
	codec Codec[T]
}

func NewLinkedList[T any](a *alloc.Allocator, codec Codec[T]) (*LinkedList[T], error) {
	obj, err := newObject(a, kindList, listHeaderSize)
	if err != nil {
		return nil, err
	}
	l := &LinkedList[T]{Object: obj, codec: codec}
	l.setWord(listElementSize, codec.Size())
	track(l, &l.Object, destroyList(a, codec, obj.r))
	return l, nil
}

func OpenLinkedList[T any](a *alloc.Allocator, codec Codec[T], loc shm.Location) (*LinkedList[T], error) {
	obj, err := openObject(a, kindList, listHeaderSize, loc)
	if err != nil {
		return nil, err
	}
	l := &LinkedList[T]{Object: obj, codec: codec}
	track(l, &l.Object, destroyList(a, codec, obj.r))
	if es := l.word(listElementSize); es != codec.Size() {
		l.Release()
		return nil, errors.Wrapf(ErrKindMismatch, "element size %d, codec size %d", es, codec.Size())
	}
	return l, nil
}

func destroyList[T any](a *alloc.Allocator, codec Codec[T], header alloc.Range) func() error {
	return func() error {
		buf := a.Buffer()
		es := buf.Load(header.Ptr + listElementSize)
		var errs error
		for node := buf.Load(header.Ptr + listHead); node != 0; {
			next := buf.Load(node + nodeNext)
			if v, err := buf.Bytes(node+nodeValue, es); err == nil {
				if err := codec.Free(a, v); err != nil && errs == nil {
					errs = err
				}
			}
			if err := a.Free(alloc.Range{Ptr: node}); err != nil && errs == nil {
				errs = err
			}
			node = next
		}
		if err := header.Free(); err != nil && errs == nil {
			errs = err
		}
		return errs
	}
}

func (l *LinkedList[T]) Attach() (*LinkedList[T], error) {
	if err := l.live(); err != nil {
		return nil, err
	}
	return OpenLinkedList(l.a, l.codec, l.Location())
}

func (l *LinkedList[T]) Len() uint32 { return l.word(listSize) }

func (l *LinkedList[T]) value(node uint32) []byte {
	b, err := l.buf().Bytes(node+nodeValue, l.word(listElementSize))
	if err != nil {
		panic(err)
	}
	return b
}

func (l *LinkedList[T]) newNode(v T) (uint32, error) {
	r, err := l.a.Alloc(8, nodeValue+l.codec.Size())
	if err != nil {
		return 0, err
	}
	if err := l.codec.Encode(l.a, r.Bytes()[nodeValue:], v); err != nil {
		r.Free()
		return 0, err
	}
	return r.Ptr, nil
}

func (l *LinkedList[T]) PushBack(v T) error {
	if err := l.live(); err != nil {
		return err
	}
	node, err := l.newNode(v)
	if err != nil {
		return err
	}
	buf := l.buf()
	tail := l.word(listTail)
	buf.Store(node+nodePrev, tail)
	if tail == 0 {
		l.setWord(listHead, node)
	} else {
		buf.Store(tail+nodeNext, node)
	}
	l.setWord(listTail, node)
	l.setWord(listSize, l.Len()+1)
	l.bumpState()
	return nil
}

func (l *LinkedList[T]) PushFront(v T) error {
	if err := l.live(); err != nil {
		return err
	}
	node, err := l.newNode(v)
	if err != nil {
		return err
	}
	buf := l.buf()
	head := l.word(listHead)
	buf.Store(node+nodeNext, head)
	if head == 0 {
		l.setWord(listTail, node)
	} else {
		buf.Store(head+nodePrev, node)
	}
	l.setWord(listHead, node)
	l.setWord(listSize, l.Len()+1)
	l.bumpState()
	return nil
}

// remove unlinks node, frees it and returns its value.
func (l *LinkedList[T]) remove(node uint32) (T, error) {
	var zero T
	v, err := l.codec.Decode(l.a, l.value(node))
	if err != nil {
		return zero, err
	}
	if err := l.codec.Free(l.a, l.value(node)); err != nil {
		return zero, err
	}
	buf := l.buf()
	prev, next := buf.Load(node+nodePrev), buf.Load(node+nodeNext)
	if prev == 0 {
		l.setWord(listHead, next)
	} else {
		buf.Store(prev+nodeNext, next)
	}
	if next == 0 {
		l.setWord(listTail, prev)
	} else {
		buf.Store(next+nodePrev, prev)
	}
	l.setWord(listSize, l.Len()-1)
	l.bumpState()
	return v, l.a.Free(alloc.Range{Ptr: node})
}

// PopFront removes the first element. On an empty list it returns false and no error.
func (l *LinkedList[T]) PopFront() (T, bool, error) {
	var zero T
	if err := l.live(); err != nil {
		return zero, false, err
	}
	head := l.word(listHead)
	if head == 0 {
		return zero, false, nil
	}
	v, err := l.remove(head)
	return v, err == nil, err
}

// PopBack removes the last element. On an empty list it returns false and no error.
func (l *LinkedList[T]) PopBack() (T, bool, error) {
	var zero T
	if err := l.live(); err != nil {
		return zero, false, err
	}
	tail := l.word(listTail)
	if tail == 0 {
		return zero, false, nil
	}
	v, err := l.remove(tail)
	return v, err == nil, err
}

// Iterator walks the list from head to tail.
func (l *LinkedList[T]) Iterator() *Iterator[T] {
	node, started := uint32(0), false
	return newIterator(l.state, func() (T, bool, error) {
		var zero T
		if !started {
			node, started = l.word(listHead), true
		} else if node != 0 {
			node = l.buf().Load(node + nodeNext)
		}
		if node == 0 {
			return zero, false, nil
		}
		v, err := l.codec.Decode(l.a, l.value(node))
		return v, err == nil, err
	})
}
