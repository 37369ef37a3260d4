package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spi-rpc/message"
)

// Logging logs every call with its duration; failed calls are logged at warn level.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("request_id", req.RequestID),
				zap.String("service", req.ServiceKey()),
				zap.String("method", req.MethodName),
				zap.Duration("duration", time.Since(start)),
				zap.Int("code", resp.Code),
			}
			if !resp.OK() {
				logger.Warn("call failed", append(fields, zap.String("message", resp.Message))...)
				return resp
			}
			logger.Debug("call completed", fields...)
			return resp
		}
	}
}
