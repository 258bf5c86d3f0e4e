package shared

// Iterator walks a shared collection. It captures the collection's state counter when
// created and stops with ErrConcurrentModification as soon as the counter moves.
//
//	it := arr.Iterator()
//	for it.Next() {
//		use(it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[T any] struct {
	state    func() uint32
	captured uint32
	advance  func() (T, bool, error)

	value T
	err   error
}

func newIterator[T any](state func() uint32, advance func() (T, bool, error)) *Iterator[T] {
	return &Iterator[T]{state: state, captured: state(), advance: advance}
}

func (it *Iterator[T]) Next() bool {
	if it.err != nil {
		return false
	}
	if it.state() != it.captured {
		it.err = ErrConcurrentModification
		return false
	}
	v, ok, err := it.advance()
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.value = v
	return true
}

func (it *Iterator[T]) Value() T { return it.value }

func (it *Iterator[T]) Err() error { return it.err }
