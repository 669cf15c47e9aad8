package client

import (
	"time"

	"go.uber.org/zap"

	"procbridge/codec"
	"procbridge/middleware"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultStopWait = time.Second
)

type options struct {
	timeout     time.Duration
	guard       time.Duration
	stopWait    time.Duration
	codec       codec.Codec
	logger      *zap.Logger
	middlewares []middleware.Middleware
}

type Option func(*options)

// WithTimeout bounds connecting and every socket read and write. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithGuard runs each Call's whole round trip under the timeout guard. When the
// guard gives up the socket is closed and Call fails with guard.ErrTimeout.
func WithGuard(d time.Duration) Option {
	return func(o *options) { o.guard = d }
}

// WithStopWait sets how long Session.Stop waits for the receiver to exit.
func WithStopWait(d time.Duration) Option {
	return func(o *options) { o.stopWait = d }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMiddleware wraps Call; the first middleware is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func buildOptions(opts []Option) options {
	o := options{
		timeout:  defaultTimeout,
		stopWait: defaultStopWait,
		codec:    codec.Default(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
