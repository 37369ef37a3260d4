// Package handler dispatches decoded call requests to registered service methods.
package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spi-rpc/message"
)

// ServiceLookup finds the method table registered under a service key.
type ServiceLookup interface {
	GetService(serviceKey string) (*Service, error)
}

// RequestHandler invokes the target method of each request. Lookup failures, bad
// arguments, returned errors and panics all come back as failure responses.
type RequestHandler struct {
	services ServiceLookup
	logger   *zap.Logger
}

func New(services ServiceLookup, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{services: services, logger: logger.Named("handler")}
}

// Handle has the signature of middleware.HandlerFunc.
func (h *RequestHandler) Handle(ctx context.Context, req *message.Request) (resp *message.Response) {
	svc, err := h.services.GetService(req.ServiceKey())
	if err != nil {
		return message.Fail(req.RequestID, message.CodeNotFound, err.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("service method panicked",
				zap.String("service", svc.Name()), zap.String("method", req.MethodName),
				zap.Any("panic", r), zap.Stack("stack"))
			resp = message.Fail(req.RequestID, message.CodeFail, fmt.Sprintf("%s.%s panicked: %v", svc.Name(), req.MethodName, r))
		}
	}()

	result, err := svc.Call(ctx, req.MethodName, req.Parameters)
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return message.Fail(req.RequestID, message.CodeNotFound, err.Error())
	case err != nil:
		h.logger.Debug("service method failed",
			zap.String("service", svc.Name()), zap.String("method", req.MethodName), zap.Error(err))
		return message.Fail(req.RequestID, message.CodeFail, err.Error())
	}
	h.logger.Debug("service method invoked", zap.String("service", svc.Name()), zap.String("method", req.MethodName))
	return message.Success(result, req.RequestID)
}
