package middleware

import (
	"context"
	"time"

	"sync-rpc/protocol"
)

// TimeOutMiddleware fails calls whose handler runs longer than timeout with
// CodeTimeout. The handler's context is cancelled; handlers that ignore it keep running
// in the background.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return Fail(protocol.CodeCancelled, "request cancelled")
				}
				return Fail(protocol.CodeTimeout, "request timed out")
			}
		}
	}
}
