package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spi-rpc/message"
)

// Recover turns a panic in next into a CodeFail response.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("call panicked",
						zap.String("request_id", req.RequestID),
						zap.String("method", req.MethodName),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = message.Fail(req.RequestID, message.CodeFail, fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
