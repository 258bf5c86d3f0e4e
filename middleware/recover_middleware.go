package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"sync-rpc/protocol"
)

// RecoverMiddleware turns a handler panic into a CodeHandlerFailure response.
func RecoverMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (resp *Response) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logrus.Fields{"method": req.Method, "panic": r}).
						Errorf("handler panicked\n%s", debug.Stack())
					resp = Fail(protocol.CodeHandlerFailure, fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
