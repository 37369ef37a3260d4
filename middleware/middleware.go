// Package middleware wraps call handlers. The same chain type serves both sides: the
// server wraps its dispatcher, the client wraps the send-and-wait step.
package middleware

import (
	"context"

	"spi-rpc/message"
)

// HandlerFunc turns a call into its result. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
