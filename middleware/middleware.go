// Package middleware wraps the handlers a connection dispatches to. Every incoming async
// call, sync call and notification passes through the chain installed with
// rpc.Connection.Use before it reaches its handler.
package middleware

import (
	"context"
	"encoding/json"

	"sync-rpc/message"
)

// Request is an incoming call as seen by the chain.
type Request struct {
	Kind   message.Kind // KindAsyncCall, KindSyncCall or KindNotification
	ID     uint32       // async calls only
	Method string
	Params json.RawMessage
	Binary []byte // sync calls only: the binary section of the request region
}

// Response is what the handler produced. Err carrying a *message.Error keeps its code,
// any other error is reported as a handler failure.
type Response struct {
	Result any
	Err    error
}

type HandlerFunc func(ctx context.Context, req *Request) *Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Fail builds a response carrying a coded error.
func Fail(code int32, msg string) *Response {
	return &Response{Err: &message.Error{Code: code, Message: msg}}
}
