package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sync-rpc/message"
	"sync-rpc/middleware"
	"sync-rpc/protocol"
	"sync-rpc/transport"
)

// CancelRequestMethod is the notification a caller sends when it stops waiting for an
// async call; the handler's context is cancelled.
const CancelRequestMethod = "$/cancelRequest"

// Call is an incoming async call or notification.
type Call struct {
	ID     uint32 // 0 for notifications and sync calls
	Method string
	Params json.RawMessage
}

// Bind decodes the call's params into v. Calls without params leave v untouched.
func (c *Call) Bind(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return &message.Error{Code: protocol.CodeInvalidRequest, Message: fmt.Sprintf("invalid params for %s: %v", c.Method, err)}
	}
	return nil
}

// SyncCall is an incoming sync call. Binary aliases the caller's shared memory and is
// only valid until the handler returns.
type SyncCall struct {
	Call
	Binary []byte
	region protocol.Region
}

// Cancelled reports whether the caller cancelled or stopped waiting. Long running sync
// handlers should check it, or watch their context, which is cancelled as well.
func (c *SyncCall) Cancelled() bool { return c.region.Cancelled() }

type (
	// AsyncHandler answers an async call. The result is JSON encoded into the response.
	AsyncHandler func(ctx context.Context, call *Call) (any, error)
	// SyncHandler answers a sync call. []byte and json.RawMessage results are stored
	// verbatim in the result region, other values JSON encoded.
	SyncHandler func(ctx context.Context, call *SyncCall) (any, error)
	// NotifyHandler handles a notification; there is nobody to report an error to.
	NotifyHandler func(ctx context.Context, call *Call)
)

// OnAsyncCall registers the handler for method, replacing any previous one.
func (c *Connection) OnAsyncCall(method string, h AsyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncHandlers[method] = h
}

// OnSyncCall registers the handler for method, replacing any previous one.
func (c *Connection) OnSyncCall(method string, h SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncHandlers[method] = h
}

// OnNotify registers the handler for method, replacing any previous one.
func (c *Connection) OnNotify(method string, h NotifyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandles[method] = h
}

// chain wraps final in the connection's middlewares, behind a panic guard.
func (c *Connection) chain(final middleware.HandlerFunc) middleware.HandlerFunc {
	c.mu.RLock()
	mws := append([]middleware.Middleware(nil), c.middlewares...)
	c.mu.RUnlock()
	return guard(middleware.Chain(mws...)(final))
}

// guard converts a handler panic into a failed response so that every call is
// answered.
func guard(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *middleware.Request) (resp *middleware.Response) {
		defer func() {
			if r := recover(); r != nil {
				resp = middleware.Fail(protocol.CodeHandlerFailure, fmt.Sprintf("panic in %s: %v", req.Method, r))
			}
		}()
		return next(ctx, req)
	}
}

func (c *Connection) handleAsyncCall(ctx context.Context, cancel context.CancelFunc, msg *message.Message) {
	defer func() {
		c.inflight.Delete(msg.ID)
		cancel()
	}()

	log := c.log.WithFields(logrus.Fields{"method": msg.Method, "id": msg.ID})
	resp := c.runAsync(ctx, msg)

	var reply *message.Message
	if resp.Err != nil {
		reply = message.NewErrorResponse(msg.ID, toMessageError(resp.Err))
	} else {
		result, err := marshalParams(resp.Result)
		if err != nil {
			reply = message.NewErrorResponse(msg.ID, &message.Error{
				Code:    protocol.CodeHandlerFailure,
				Message: errors.Wrap(err, "encode result").Error(),
			})
		} else {
			reply = message.NewAsyncResponse(msg.ID, result)
		}
	}
	err := c.port.PostMessage(reply)
	if errors.Is(err, transport.ErrUnencodable) {
		log.WithError(err).Warn("response cannot be sent, reporting the failure instead")
		err = c.port.PostMessage(message.NewErrorResponse(msg.ID, &message.Error{
			Code:    protocol.CodeResultTooLarge,
			Message: "response could not be encoded",
		}))
	}
	if err != nil && !c.disposed.Load() {
		log.WithError(err).Warn("failed to send response")
	}
}

func (c *Connection) runAsync(ctx context.Context, msg *message.Message) (resp *middleware.Response) {
	c.mu.RLock()
	h, ok := c.asyncHandlers[msg.Method]
	c.mu.RUnlock()
	if !ok {
		return middleware.Fail(protocol.CodeNoHandler, fmt.Sprintf("no handler for %s", msg.Method))
	}
	final := func(ctx context.Context, req *middleware.Request) *middleware.Response {
		result, err := h(ctx, &Call{ID: req.ID, Method: req.Method, Params: req.Params})
		return &middleware.Response{Result: result, Err: err}
	}
	resp = c.chain(final)(ctx, &middleware.Request{
		Kind:   message.KindAsyncCall,
		ID:     msg.ID,
		Method: msg.Method,
		Params: msg.Params,
	})
	if resp == nil {
		resp = &middleware.Response{}
	}
	return resp
}

func (c *Connection) handleSyncCall(msg *message.Message) {
	log := c.log.WithFields(logrus.Fields{"method": msg.Method, "region": msg.Region})
	region, err := protocol.OpenRegion(c.opts.Memory, *msg.Region)
	if err != nil {
		if protocol.FailRegion(c.opts.Memory, *msg.Region, protocol.CodeInvalidHeader) {
			log.WithError(err).Warn("rejected sync call with invalid region")
		} else {
			log.WithError(err).Warn("dropping sync call with unusable region")
		}
		return
	}

	code := protocol.CodeHandlerFailure
	defer func() {
		region.Complete(code)
	}()

	if region.Cancelled() {
		code = protocol.CodeCancelled
		return
	}
	req, binary, code := region.ReadRequest()
	if code != protocol.CodeOK {
		log.WithField("code", code).Warn("invalid sync request")
		return
	}
	if req.Method != msg.Method {
		log.WithField("header_method", req.Method).Debug("sync call method differs from region, using region")
	}

	c.mu.RLock()
	h, ok := c.syncHandlers[req.Method]
	c.mu.RUnlock()
	if !ok {
		code = protocol.CodeNoHandler
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go c.watchSyncCancel(ctx, cancel, region)

	call := &SyncCall{Call: Call{Method: req.Method, Params: req.Params}, Binary: binary, region: region}
	final := func(ctx context.Context, mreq *middleware.Request) *middleware.Response {
		result, err := h(ctx, call)
		return &middleware.Response{Result: result, Err: err}
	}
	resp := c.chain(final)(ctx, &middleware.Request{
		Kind:   message.KindSyncCall,
		Method: req.Method,
		Params: req.Params,
		Binary: binary,
	})
	if resp == nil {
		resp = &middleware.Response{}
	}
	if resp.Err != nil {
		code = CodeOf(resp.Err)
		log.WithError(resp.Err).WithField("code", code).Debug("sync handler failed")
		return
	}
	result, err := protocol.EncodeResult(resp.Result)
	if err != nil {
		log.WithError(err).Warn("cannot encode sync result")
		code = protocol.CodeHandlerFailure
		return
	}
	code = region.WriteResult(result)
}

// watchSyncCancel cancels a sync handler's context once its caller sets the
// cancellation flag or abandons the region.
func (c *Connection) watchSyncCancel(ctx context.Context, cancel context.CancelFunc, region protocol.Region) {
	ticker := time.NewTicker(c.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if region.Cancelled() {
				cancel()
				return
			}
		}
	}
}

func (c *Connection) handleNotification(msg *message.Message) {
	c.mu.RLock()
	h, ok := c.notifyHandles[msg.Method]
	c.mu.RUnlock()
	if !ok {
		c.log.WithField("method", msg.Method).Debug("no handler for notification")
		return
	}
	final := func(ctx context.Context, req *middleware.Request) *middleware.Response {
		h(ctx, &Call{Method: req.Method, Params: req.Params})
		return &middleware.Response{}
	}
	resp := c.chain(final)(c.ctx, &middleware.Request{
		Kind:   message.KindNotification,
		Method: msg.Method,
		Params: msg.Params,
	})
	if resp != nil && resp.Err != nil {
		c.log.WithError(resp.Err).WithField("method", msg.Method).Warn("notification handler failed")
	}
}

type cancelParams struct {
	ID uint32 `json:"id"`
}

func (c *Connection) handleCancelRequest(params json.RawMessage) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.log.WithError(err).Debug("malformed cancel request")
		return
	}
	if cancel, ok := c.inflight.Load(p.ID); ok {
		cancel.(context.CancelFunc)()
	}
}
