// Package middleware wraps request handling with cross-cutting behaviour.
//
// The same HandlerFunc shape is used on both sides of a connection: the server wraps
// its dispatch to the handler registry, and the client wraps its Call.
package middleware

import (
	"context"

	"procbridge/message"
)

type HandlerFunc func(ctx context.Context, api string, body message.Body) (message.Body, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
