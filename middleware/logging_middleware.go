package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"procbridge/message"
)

// LoggingMiddleware logs every call with its duration. Failures are logged at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, api string, body message.Body) (message.Body, error) {
			start := time.Now()
			result, err := next(ctx, api, body)
			fields := []zap.Field{zap.String("api", api), zap.Duration("duration", time.Since(start))}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("call completed", fields...)
			}
			return result, err
		}
	}
}
