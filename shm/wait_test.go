package shm

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitNotEqual(t *testing.T) {
	b, err := New(PageSize, PageSize)
	require.NoError(t, err)

	b.Store(HeaderSize, 1)
	res, err := b.Wait(HeaderSize, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitNotEqual, res)
}

func TestWaitTimeout(t *testing.T) {
	b, err := New(PageSize, PageSize)
	require.NoError(t, err)

	start := time.Now()
	res, err := b.Wait(HeaderSize, 0, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, WaitTimedOut, res)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitNotify(t *testing.T) {
	b, err := New(PageSize, PageSize)
	require.NoError(t, err)

	const flag = HeaderSize
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Store(flag, 1)
		b.Notify(flag, 1)
	}()

	res, err := b.Wait(flag, 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, WaitOK, res)
	assert.Equal(t, uint32(1), b.Load(flag))
}

func TestWaitManyWaiters(t *testing.T) {
	b, err := New(PageSize, PageSize)
	require.NoError(t, err)

	const flag = HeaderSize
	results := make(chan WaitResult, 4)
	for i := 0; i < 4; i++ {
		go func() {
			res, _ := b.Wait(flag, 0, 5*time.Second)
			results <- res
		}()
	}

	time.Sleep(10 * time.Millisecond)
	b.Store(flag, 1)
	_, err = b.Notify(flag, -1)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		select {
		case res := <-results:
			assert.NotEqual(t, WaitTimedOut, res)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken")
		}
	}
}

func TestAwaitBacksOffWhenWaitFails(t *testing.T) {
	failure := errors.New("futex unavailable")
	waitWord = func(*uint32, uint32, time.Duration) error { return failure }
	defer func() { waitWord = futexWait }()

	buf, err := New(PageSize, PageSize)
	require.NoError(t, err)
	bo := WaitBackoff()
	bo.Min, bo.Max = 5*time.Millisecond, 20*time.Millisecond

	start := time.Now()
	_, err = buf.Await(HeaderSize, 0, -1, bo)
	assert.True(t, errors.Is(err, failure))
	_, err = buf.Await(HeaderSize, 0, -1, bo)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "sleeps 5ms then 10ms")

	start = time.Now()
	_, err = buf.Await(HeaderSize, 0, time.Millisecond, bo)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 15*time.Millisecond, "sleep is capped by the timeout")

	waitWord = futexWait
	buf.Store(HeaderSize, 1)
	res, err := buf.Await(HeaderSize, 0, -1, bo)
	require.NoError(t, err)
	assert.Equal(t, WaitNotEqual, res)
	assert.Equal(t, float64(0), bo.Attempt(), "success resets the backoff")
}
