package shared

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-rpc/alloc"
	"sync-rpc/shm"
)

func newAllocator(t testing.TB) *alloc.Allocator {
	t.Helper()
	buf, err := shm.New(shm.PageSize, 256*shm.PageSize)
	require.NoError(t, err)
	a, err := alloc.New(buf)
	require.NoError(t, err)
	return a
}

func TestArrayGrowsOnce(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Float64, 1)
	require.NoError(t, err)
	defer arr.Release()

	start := arr.word(arrStart)
	require.NoError(t, arr.Push(1))
	assert.Equal(t, start, arr.word(arrStart), "first push fits the initial capacity")
	require.NoError(t, arr.Push(2))

	assert.Equal(t, uint32(2), arr.Cap(), "exactly one doubling")
	assert.Equal(t, uint32(2), arr.Len())
	v, err := arr.At(0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	v, err = arr.At(1)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = arr.At(2)
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
}

func TestArrayCapacityBeyondBuffer(t *testing.T) {
	a := newAllocator(t)
	baseline := a.Stats().Allocations

	// 2^29 eight-byte slots wrap to zero bytes in 32 bits
	_, err := NewArray(a, Uint64, 1<<29)
	require.True(t, errors.Is(err, alloc.ErrOutOfMemory), "got %v", err)
	assert.Equal(t, baseline, a.Stats().Allocations, "header of the failed array is freed")

	_, err = slotsSize(a, 1<<31, 4)
	assert.True(t, errors.Is(err, alloc.ErrOutOfMemory))
	n, err := slotsSize(a, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), n)

	arr, err := NewArray(a, Uint64, 2)
	require.NoError(t, err)
	defer arr.Release()
	neighbour, err := a.Alloc(8, 64)
	require.NoError(t, err)
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, arr.Push(0xdeadbeefcafebabe))
	}
	assert.Equal(t, make([]byte, 64), neighbour.Bytes(), "pushes stay inside the array's own storage")
}

func TestArrayLengthAcrossManyGrows(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Int64, 0)
	require.NoError(t, err)
	defer arr.Release()

	for i := 0; i < 100; i++ {
		require.NoError(t, arr.Push(int64(i)))
		require.Equal(t, uint32(i+1), arr.Len())
	}
	assert.Equal(t, uint32(128), arr.Cap())
	for i := uint32(0); i < 100; i++ {
		v, err := arr.At(i)
		require.NoError(t, err)
		require.Equal(t, int64(i), v)
	}
}

func TestArrayPop(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, String, 2)
	require.NoError(t, err)
	defer arr.Release()

	v, ok, err := arr.Pop()
	require.NoError(t, err)
	assert.False(t, ok, "pop on empty array is not an error")
	assert.Empty(t, v)

	before := a.Stats().Allocations
	require.NoError(t, arr.Push("hello"))
	assert.Equal(t, before+1, a.Stats().Allocations, "string bytes are stored out of line")

	v, ok, err = arr.Pop()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, before, a.Stats().Allocations, "pop frees the element storage")
	assert.Zero(t, arr.Len())
}

func TestArraySet(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, String, 1)
	require.NoError(t, err)
	defer arr.Release()

	require.NoError(t, arr.Push("a"))
	require.NoError(t, arr.Set(0, "bb"))
	v, err := arr.At(0)
	require.NoError(t, err)
	assert.Equal(t, "bb", v)
	assert.True(t, errors.Is(arr.Set(3, "x"), ErrIndexOutOfRange))
}

func TestIteratorDetectsConcurrentModification(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Uint32, 4)
	require.NoError(t, err)
	defer arr.Release()
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, arr.Push(i))
	}

	var seen []uint32
	it := arr.Iterator()
	for it.Next() {
		seen = append(seen, it.Value())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint32{1, 2, 3}, seen)

	it = arr.Iterator()
	require.True(t, it.Next())
	require.NoError(t, arr.Push(4))
	assert.False(t, it.Next())
	assert.True(t, errors.Is(it.Err(), ErrConcurrentModification))
	assert.False(t, it.Next(), "iterator stays failed")
}

func TestArraySharedBetweenHandles(t *testing.T) {
	buf, err := shm.New(shm.PageSize, 64*shm.PageSize)
	require.NoError(t, err)
	left, err := alloc.New(buf)
	require.NoError(t, err)
	right, err := alloc.New(buf)
	require.NoError(t, err)

	arr, err := NewArray(left, Int32, 2)
	require.NoError(t, err)
	require.NoError(t, arr.Push(-7))

	peer, err := OpenArray(right, Int32, arr.Location())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), peer.Refs())
	v, err := peer.At(0)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), v)

	require.NoError(t, peer.Push(8))
	assert.Equal(t, uint32(2), arr.Len())

	_, err = OpenArray(right, Float64, arr.Location())
	assert.True(t, errors.Is(err, ErrKindMismatch))
	_, err = OpenLinkedList(right, Int32, arr.Location())
	assert.True(t, errors.Is(err, ErrKindMismatch))

	require.NoError(t, arr.Release())
	assert.True(t, errors.Is(arr.Release(), ErrReleased))
	_, err = arr.At(0)
	assert.True(t, errors.Is(err, ErrReleased))
	assert.Equal(t, uint32(1), peer.Refs())
	assert.NotZero(t, left.Stats().Allocations)

	require.NoError(t, peer.Release())
	assert.Zero(t, left.Stats().Allocations, "last release frees header and elements")

	_, err = OpenArray(right, Int32, arr.Location())
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Bool, 1)
	require.NoError(t, err)
	other, err := arr.Attach()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), arr.Refs())
	require.NoError(t, arr.Release())
	require.NoError(t, other.Push(true))
	v, err := other.At(0)
	require.NoError(t, err)
	assert.True(t, v)
	require.NoError(t, other.Release())
	assert.Zero(t, a.Stats().Allocations)
}

func TestSynchronizedArrayConcurrentPush(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Uint64, 1)
	require.NoError(t, err)
	defer arr.Release()
	sa := arr.Synchronized()

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, sa.Push(uint64(w*perWorker+i)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, uint32(workers*perWorker), sa.Len())
	values, err := sa.Snapshot()
	require.NoError(t, err)
	seen := make(map[uint64]bool)
	for _, v := range values {
		seen[v] = true
	}
	assert.Len(t, seen, workers*perWorker)

	v, ok, err := sa.Pop()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, seen[v])
}

func TestLock(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Uint32, 0)
	require.NoError(t, err)
	defer arr.Release()

	l := arr.Lock()
	require.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.False(t, l.AcquireTimeout(20*time.Millisecond))

	acquired := make(chan struct{})
	go func() {
		l.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	l.Release()
}

func TestRunLockedReleasesOnPanic(t *testing.T) {
	a := newAllocator(t)
	arr, err := NewArray(a, Uint32, 0)
	require.NoError(t, err)
	defer arr.Release()

	assert.Panics(t, func() {
		arr.RunLocked(func() error { panic("boom") })
	})
	assert.True(t, arr.Lock().TryAcquire(), "lock released after panic")
	arr.Lock().Release()

	sentinel := errors.New("sentinel")
	assert.Equal(t, sentinel, arr.RunLocked(func() error { return sentinel }))
}

func TestLinkedList(t *testing.T) {
	a := newAllocator(t)
	l, err := NewLinkedList(a, String)
	require.NoError(t, err)

	_, ok, err := l.PopFront()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.PushBack("b"))
	require.NoError(t, l.PushBack("c"))
	require.NoError(t, l.PushFront("a"))
	assert.Equal(t, uint32(3), l.Len())

	var got []string
	it := l.Iterator()
	for it.Next() {
		got = append(got, it.Value())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b", "c"}, got)

	v, ok, err := l.PopBack()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c", v)
	v, ok, err = l.PopFront()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, uint32(1), l.Len())

	it = l.Iterator()
	require.True(t, it.Next())
	require.NoError(t, l.PushFront("z"))
	assert.False(t, it.Next())
	assert.True(t, errors.Is(it.Err(), ErrConcurrentModification))

	require.NoError(t, l.Release())
	assert.Zero(t, a.Stats().Allocations, "release frees nodes and their strings")
}

func TestRecord(t *testing.T) {
	a := newAllocator(t)
	r, err := NewRecord(a, Int64)
	require.NoError(t, err)

	_, ok, err := r.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	for i, k := range []string{"size", "mtime", "ctime", "type", "mode"} {
		require.NoError(t, r.Set(k, int64(i*10)))
	}
	require.NoError(t, r.Set("size", 4096))
	assert.Equal(t, uint32(5), r.Len())

	v, ok, err := r.Get("size")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4096), v)

	deleted, err := r.Delete("mtime")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = r.Delete("mtime")
	require.NoError(t, err)
	assert.False(t, deleted)

	var keys []string
	it := r.Keys()
	for it.Next() {
		keys = append(keys, it.Value())
	}
	require.NoError(t, it.Err())
	assert.ElementsMatch(t, []string{"size", "ctime", "type", "mode"}, keys)

	v, ok, err = r.Get("mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(40), v)

	peer, err := OpenRecord(a, Int64, r.Location())
	require.NoError(t, err)
	require.NoError(t, r.Release())
	v, _, err = peer.Get("type")
	require.NoError(t, err)
	assert.Equal(t, int64(30), v)
	require.NoError(t, peer.Release())
	assert.Zero(t, a.Stats().Allocations)
}
