package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"sync-rpc/alloc"
	"sync-rpc/message"
	"sync-rpc/protocol"
	"sync-rpc/shm"
)

// ResultDescriptor reserves space for the result of a sync call. A nil descriptor, or a
// Size of 0, tells the handler side the result is not wanted.
type ResultDescriptor struct {
	Size uint32
}

// ResultBuffer reserves size bytes for the result.
func ResultBuffer(size uint32) *ResultDescriptor { return &ResultDescriptor{Size: size} }

func (rd *ResultDescriptor) size() uint32 {
	if rd == nil {
		return 0
	}
	return rd.Size
}

// SyncResult holds a copy of the bytes a sync handler wrote.
type SyncResult struct {
	data []byte
}

func (r *SyncResult) Bytes() []byte { return r.data }

// Decode unmarshals a JSON result into v.
func (r *SyncResult) Decode(v any) error {
	if len(r.data) == 0 {
		return errors.New("rpc: sync call returned no result")
	}
	return json.Unmarshal(r.data, v)
}

func (r *SyncResult) String() string { return string(r.data) }

type syncCall struct {
	method string
	region protocol.Region
}

// abandonedRegion is a region whose caller gave up waiting. It is freed once the
// handler side completes it.
type abandonedRegion struct {
	r      alloc.Range
	region protocol.Region
}

// CallSync calls method on the peer and blocks until its handler signals completion
// in the shared request region, timeout elapses or ctx ends.
//
// A timeout <= 0 uses Options.SyncTimeout; when that is <= 0 too, CallSync waits
// without limit. Failures reported by the peer are returned as *SyncCallError, an
// expired wait as *TimeoutError.
func (c *Connection) CallSync(ctx context.Context, method string, params any, rd *ResultDescriptor, timeout time.Duration) (*SyncResult, error) {
	if c.disposed.Load() {
		return nil, c.Err()
	}
	a := c.opts.Allocator
	if a == nil {
		return nil, ErrNoAllocator
	}
	if err := c.reclaim(false); err != nil {
		c.log.WithError(err).Warn("failed to reclaim abandoned regions")
	}

	enc, err := protocol.EncodeRequest(method, params, rd.size())
	if err != nil {
		return nil, err
	}
	size, err := enc.RegionSize()
	if err != nil {
		return nil, err
	}
	r, err := a.Alloc(8, size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate region for %s", method)
	}
	region := protocol.Region{Buf: a.Buffer(), Off: r.Ptr, Size: size}
	if err := region.Write(enc); err != nil {
		r.Free()
		return nil, err
	}

	c.syncCalls.Store(r.Ptr, syncCall{method: method, region: region})
	defer c.syncCalls.Delete(r.Ptr)

	if err := c.port.PostMessage(message.NewSyncCall(method, region.Location())); err != nil {
		r.Free()
		return nil, errors.Wrapf(err, "send %s", method)
	}
	stop := context.AfterFunc(ctx, func() {
		// abandon first: the handler must not complete into a region the caller left
		region.Abandon()
		region.Cancel()
	})
	defer stop()
	if c.disposed.Load() {
		region.Abandon()
	}

	if timeout <= 0 {
		timeout = c.opts.SyncTimeout
	}
	wait := timeout
	if wait <= 0 {
		wait = -1
	}
	res, err := region.Wait(wait)
	if err != nil {
		if region.Abandon() {
			c.abandon(r, region)
			return nil, errors.Wrapf(err, "wait for %s", method)
		}
	}
	if res == shm.WaitTimedOut && region.Abandon() {
		c.abandon(r, region)
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	}

	switch region.Flag() {
	case protocol.FlagDone:
		defer r.Free()
		if code := region.ErrorCode(); code != protocol.CodeOK {
			return nil, &SyncCallError{Method: method, Code: code}
		}
		data, err := region.Result()
		if err != nil {
			return nil, &SyncCallError{Method: method, Code: protocol.CodeInvalidHeader}
		}
		return &SyncResult{data: data}, nil
	case protocol.FlagAbandoned, protocol.FlagReclaimable:
		c.abandon(r, region)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, c.Err()
	default:
		c.abandon(r, region)
		return nil, errors.Wrapf(ErrUnexpectedState, "flag %d after %s", region.Flag(), method)
	}
}

func (c *Connection) abandon(r alloc.Range, region protocol.Region) {
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	if !c.reclaimed {
		c.abandoned = append(c.abandoned, abandonedRegion{r: r, region: region})
		return
	}
	if region.Finished() {
		if err := r.Free(); err != nil {
			c.log.WithError(err).Warn("failed to free abandoned region")
		}
		return
	}
	c.log.WithField("region", r.Location()).Warn("leaking region still held by a peer handler")
}

// reclaim frees abandoned regions the handler side has completed. Regions still in use
// by a handler are kept; at the final reclaim they are leaked rather than freed under
// the peer's feet.
func (c *Connection) reclaim(final bool) error {
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	var errs error
	kept := c.abandoned[:0]
	for _, ab := range c.abandoned {
		if ab.region.Finished() {
			errs = multierr.Append(errs, ab.r.Free())
			continue
		}
		kept = append(kept, ab)
	}
	if final {
		c.reclaimed = true
		if len(kept) > 0 {
			c.log.WithField("regions", len(kept)).Warn("leaking regions still held by peer handlers")
			kept = kept[:0]
		}
	}
	clear(c.abandoned[len(kept):])
	c.abandoned = kept
	return errs
}

// Abandoned returns the number of regions waiting to be reclaimed.
func (c *Connection) Abandoned() int {
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	return len(c.abandoned)
}
