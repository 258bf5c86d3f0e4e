package middleware

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sync-rpc/message"
	"sync-rpc/protocol"
)

// Temporary is implemented by handler errors that may succeed when retried.
type Temporary interface {
	Temporary() bool
}

func retryable(err error) bool {
	var coded *message.Error
	if errors.As(err, &coded) {
		return coded.Code == protocol.CodeTimeout
	}
	var tmp Temporary
	return errors.As(err, &tmp) && tmp.Temporary()
}

// maxRetryDelay caps the backoff between attempts.
const maxRetryDelay = 5 * time.Second

// RetryMiddleware re-runs a handler that failed with a timeout or a temporary error,
// with exponential backoff starting at baseDelay. Calls are never retried unless this
// middleware is installed, and it should only wrap idempotent handlers.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			b := backoff.Backoff{
				Min:    baseDelay,
				Max:    max(baseDelay, maxRetryDelay),
				Factor: 2,
			}
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || resp.Err == nil || !retryable(resp.Err) {
					return resp
				}
				delay := b.Duration()
				logrus.WithFields(logrus.Fields{"method": req.Method, "attempt": i + 1, "delay": delay}).
					WithError(resp.Err).Info("retrying call")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
