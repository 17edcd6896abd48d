// Package errorhandler maps failures raised while opening a backend call to relay error kinds.
package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/middleware"
)

// ErrorHandlerFunc maps an error returned further down the chain.
type ErrorHandlerFunc func(*middleware.Context, error) error

// ErrorHandler rewrites errors returned further down the chain.
type ErrorHandler struct {
	handler ErrorHandlerFunc
}

func NewErrorHandler(handler ErrorHandlerFunc) *ErrorHandler {
	return &ErrorHandler{handler: handler}
}

func (m *ErrorHandler) Name() string { return "ErrorHandler" }

func (m *ErrorHandler) Execute(ctx *middleware.Context, next middleware.Handler) error {
	err := next(ctx)
	if err != nil && m.handler != nil {
		return m.handler(ctx, err)
	}
	return err
}

var kinds = []error{
	relayerrors.ErrInvalidCredentials,
	relayerrors.ErrUnknownProvider,
	relayerrors.ErrUnknownModel,
	relayerrors.ErrMalformedRequest,
	relayerrors.ErrMalformedToolCall,
	relayerrors.ErrUnsupportedOperation,
	relayerrors.ErrBackend,
	middleware.ErrRateLimitExceeded,
	context.Canceled,
	context.DeadlineExceeded,
}

// Normalize wraps any error that is not already one of the relay kinds into a BackendError
// for the calling provider.
func Normalize() *ErrorHandler {
	return NewErrorHandler(func(ctx *middleware.Context, err error) error {
		for _, kind := range kinds {
			if errors.Is(err, kind) {
				return err
			}
		}
		return relayerrors.Backend(ctx.ProviderName(), err)
	})
}

// Recover turns a panic in a client constructor or stream opener into a BackendError.
func Recover(log *slog.Logger) middleware.Middleware {
	return middleware.Func("Recover", func(ctx *middleware.Context, next middleware.Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				if log != nil {
					log.Error("adapter panicked", "provider", ctx.ProviderName(),
						"operation", ctx.Operation, "panic", r, "stack", string(debug.Stack()))
				}
				err = relayerrors.Backend(ctx.ProviderName(), fmt.Errorf("panic: %v", r))
			}
		}()
		return next(ctx)
	})
}
