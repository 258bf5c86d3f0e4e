package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"sync-rpc/message"
)

// Send posts an async call and returns its id and the channel its response arrives on.
// The channel is closed without a value if the connection is disposed first. Most
// callers want CallAsync.
func (c *Connection) Send(method string, params any) (uint32, <-chan *message.Message, error) {
	if c.disposed.Load() {
		return 0, nil, c.Err()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "encode params of %s", method)
	}
	id := c.seq.Add(1)
	if id == 0 {
		// 0 is reserved for messages without id
		id = c.seq.Add(1)
	}

	// register before posting so the response cannot overtake the registration
	ch := make(chan *message.Message, 1)
	c.pending.Store(id, &pendingCall{method: method, ch: ch})

	if err := c.port.PostMessage(message.NewAsyncCall(id, method, raw)); err != nil {
		c.pending.Delete(id)
		return 0, nil, errors.Wrapf(err, "send %s", method)
	}
	if c.disposed.Load() {
		// raced with Dispose, which may have missed the registration
		if p, ok := c.pending.LoadAndDelete(id); ok {
			close(p.(*pendingCall).ch)
		}
	}
	return id, ch, nil
}

// CallAsync calls method on the peer and waits for its response, decoding the result
// into result when it is not nil. Peer failures are returned as *RemoteError. When ctx
// ends first, the peer is sent a cancel request and ctx's error is returned.
func (c *Connection) CallAsync(ctx context.Context, method string, params, result any) error {
	id, ch, err := c.Send(method, params)
	if err != nil {
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return c.Err()
		}
		if resp.Error != nil {
			return &RemoteError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Wrapf(err, "decode result of %s", method)
			}
		}
		return nil
	case <-ctx.Done():
		if _, ok := c.pending.LoadAndDelete(id); ok {
			c.Notify(CancelRequestMethod, cancelParams{ID: id})
		}
		return ctx.Err()
	}
}

// Notify posts a notification; there is no response.
func (c *Connection) Notify(method string, params any) error {
	if c.disposed.Load() {
		return c.Err()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return errors.Wrapf(err, "encode params of %s", method)
	}
	return c.port.PostMessage(message.NewNotification(method, raw))
}
