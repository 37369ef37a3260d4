package middleware

import (
	"context"
	"time"

	"spi-rpc/message"
)

// Timeout fails the call with CodeTimeout when next does not return within timeout.
// next keeps running in the background with a cancelled context.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail(req.RequestID, message.CodeTimeout, "request timed out")
			}
		}
	}
}
