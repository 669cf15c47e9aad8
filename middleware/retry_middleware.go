package middleware

import (
	"context"
	"time"

	"procbridge/message"
)

// RetryMiddleware retries calls whose error satisfies retryable, up to maxRetries
// extra attempts, sleeping baseDelay * 2^attempt in between. Waiting stops early
// when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			result, err := next(ctx, api, body)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return result, err
				}

				timer := time.NewTimer(baseDelay * time.Duration(1<<i)) // exponential backoff
				select {
				case <-ctx.Done():
					timer.Stop()
					return result, err
				case <-timer.C:
				}
				result, err = next(ctx, api, body)
			}
			return result, err
		}
	}
}
