package services

import (
	"context"
	"time"
)

type Timer struct{}

type SleepArgs struct {
	Ms int64 `json:"ms"`
}

type SleepReply struct {
	SleptMs int64 `json:"sleptMs"`
}

// Sleep waits Ms milliseconds. A cancelled call returns early with the context error.
func (t *Timer) Sleep(ctx context.Context, args *SleepArgs, reply *SleepReply) error {
	if args.Ms < 0 {
		return invalidArgument("ms must not be negative")
	}
	start := time.Now()
	timer := time.NewTimer(time.Duration(args.Ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		reply.SleptMs = time.Since(start).Milliseconds()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
