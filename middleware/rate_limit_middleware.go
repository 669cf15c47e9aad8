package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"procbridge/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware rejects calls beyond r per second (token bucket with the given burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, api, body)
		}
	}
}
