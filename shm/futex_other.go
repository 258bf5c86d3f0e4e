//go:build !linux

package shm

import "time"

// PollInterval is how long a waiter sleeps between checks on platforms without futex.
var PollInterval = 100 * time.Microsecond

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	d := PollInterval
	if timeout >= 0 && timeout < d {
		d = timeout
	}
	time.Sleep(d)
	return nil
}

// futexWake is a no-op: pollers observe the store on their next check.
func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
