package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"spi-rpc/message"
)

// RateLimit admits r calls per second with bursts of burst (token bucket) and fails
// the rest with CodeTooManyRequests.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(req.RequestID, message.CodeTooManyRequests, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
