package middleware

import (
	"context"
	"time"

	"spi-rpc/message"
)

// Retryable reports whether a failed call may be sent again: the service was
// unreachable or did not answer in time.
func Retryable(resp *message.Response) bool {
	return resp.Code == message.CodeUnavailable || resp.Code == message.CodeTimeout
}

// Retry repeats retryable failures up to maxRetries times, sleeping baseDelay, 2×baseDelay,
// 4×baseDelay... between attempts. It gives up early when ctx is done. req is passed on
// unchanged; the client assigns each resend its own request id.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && !resp.OK() && Retryable(resp); i++ {
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
