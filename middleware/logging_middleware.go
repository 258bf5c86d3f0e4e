package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs every call with its duration; failures are logged at warn level.
func LoggingMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			start := time.Now()
			resp := next(ctx, req)
			entry := log.WithFields(logrus.Fields{
				"method":   req.Method,
				"kind":     req.Kind.String(),
				"duration": time.Since(start),
			})
			if req.ID != 0 {
				entry = entry.WithField("id", req.ID)
			}
			if resp != nil && resp.Err != nil {
				entry.WithError(resp.Err).Warn("call failed")
			} else {
				entry.Debug("call handled")
			}
			return resp
		}
	}
}
