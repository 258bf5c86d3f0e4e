package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"sync-rpc/message"
	"sync-rpc/protocol"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r calls per second with
// the given burst, shared by all methods. Rejected calls fail with CodeRateLimited.
// Notifications have no one to report a rejection to and are never limited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return limit(func(string) *rate.Limiter { return limiter })
}

// MethodRateLimitMiddleware is RateLimitMiddleware with one bucket per method, so a
// flood of one method does not starve the others.
func MethodRateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // method -> *rate.Limiter
	return limit(func(method string) *rate.Limiter {
		if l, ok := limiters.Load(method); ok {
			return l.(*rate.Limiter)
		}
		l, _ := limiters.LoadOrStore(method, rate.NewLimiter(rate.Limit(r), burst))
		return l.(*rate.Limiter)
	})
}

func limit(limiterFor func(method string) *rate.Limiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			if req.Kind != message.KindNotification && !limiterFor(req.Method).Allow() {
				return Fail(protocol.CodeRateLimited, "rate limit exceeded for "+req.Method)
			}
			return next(ctx, req)
		}
	}
}
