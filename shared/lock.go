package shared

import (
	"time"

	"sync-rpc/shm"
)

// Lock is a binary semaphore stored in a shared word: 1 means available.
// Acquire takes a permit with compare-and-swap and sleeps on the word while none is
// left; Release returns the permit and wakes one sleeper.
type Lock struct {
	buf *shm.Buffer
	off uint32
}

func (l Lock) Acquire() {
	bo := shm.WaitBackoff()
	for {
		if l.TryAcquire() {
			return
		}
		l.buf.Await(l.off, 0, -1, bo)
	}
}

// AcquireTimeout is Acquire with a deadline. It reports whether the lock was taken.
func (l Lock) AcquireTimeout(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	bo := shm.WaitBackoff()
	for {
		if l.TryAcquire() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		l.buf.Await(l.off, 0, remaining, bo)
	}
}

func (l Lock) TryAcquire() bool {
	for {
		v := l.buf.Load(l.off)
		if v == 0 {
			return false
		}
		if l.buf.CompareAndSwap(l.off, v, v-1) {
			return true
		}
	}
}

func (l Lock) Release() {
	l.buf.Add(l.off, 1)
	l.buf.Notify(l.off, 1)
}
