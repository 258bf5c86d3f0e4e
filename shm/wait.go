package shm

import (
	"math"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

// WaitResult is the outcome of Buffer.Wait.
type WaitResult int

const (
	// WaitOK means the word changed while the caller was blocked.
	WaitOK WaitResult = iota
	// WaitNotEqual means the word did not hold the expected value on entry.
	WaitNotEqual
	// WaitTimedOut means the deadline passed with the word unchanged.
	WaitTimedOut
)

func (r WaitResult) String() string {
	switch r {
	case WaitOK:
		return "ok"
	case WaitNotEqual:
		return "not-equal"
	case WaitTimedOut:
		return "timed-out"
	}
	return "unknown"
}

var errFutexTimeout = errors.New("futex timeout")

// waitWord is the platform wait; tests swap it to simulate failures.
var waitWord = futexWait

// Wait blocks the calling goroutine while the word at off holds expected.
// A negative timeout waits forever. Spurious wakeups are absorbed: Wait only returns
// WaitOK once the word is observed to differ from expected.
//
// Wait parks an OS thread. It must only be used between two independently scheduled
// contexts; a context that blocks on a word only it can change deadlocks.
func (b *Buffer) Wait(off, expected uint32, timeout time.Duration) (WaitResult, error) {
	addr := b.word(off)
	if b.Load(off) != expected {
		return WaitNotEqual, nil
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		remaining := time.Duration(-1)
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				if b.Load(off) != expected {
					return WaitOK, nil
				}
				return WaitTimedOut, nil
			}
		}
		if err := waitWord(addr, expected, remaining); err != nil && err != errFutexTimeout {
			return WaitOK, err
		}
		if b.Load(off) != expected {
			return WaitOK, nil
		}
	}
}

// WaitBackoff returns the backoff Await sleeps with when the platform wait fails.
func WaitBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: 50 * time.Microsecond, Max: 10 * time.Millisecond, Factor: 2}
}

// Await is Wait for loops that re-check the word themselves. A failing platform wait
// becomes a sleep from b, growing with each consecutive failure, so the loop never
// spins hot; the sleep never exceeds a non-negative timeout.
func (b *Buffer) Await(off, expected uint32, timeout time.Duration, bo *backoff.Backoff) (WaitResult, error) {
	res, err := b.Wait(off, expected, timeout)
	if err == nil {
		bo.Reset()
		return res, nil
	}
	d := bo.Duration()
	if timeout >= 0 && d > timeout {
		d = timeout
	}
	time.Sleep(d)
	return WaitOK, err
}

// Notify wakes up to count waiters blocked on the word at off; a negative count wakes
// all of them. It returns the number of woken waiters where the platform reports it.
func (b *Buffer) Notify(off uint32, count int) (int, error) {
	if count < 0 {
		count = math.MaxInt32
	}
	return futexWake(b.word(off), count)
}
