package middleware

import (
	"context"
	"time"

	"procbridge/guard"
	"procbridge/message"
)

// TimeoutMiddleware bounds each call with the timeout guard. On timeout the call
// fails with guard.ErrTimeout and the handler's context is cancelled.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			return guard.Execute(ctx, timeout, func(ctx context.Context) (message.Body, error) {
				return next(ctx, api, body)
			})
		}
	}
}
