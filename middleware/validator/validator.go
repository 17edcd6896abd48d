package validator

import (
	"fmt"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/middleware"
	"github.com/sweetpotato0/ai-relay/provider"
)

// ValidatorFunc validates the request before a backend call is opened
type ValidatorFunc func(*middleware.Context) error

// InputValidator rejects calls before any network I/O
type InputValidator struct {
	validator ValidatorFunc
}

// NewInputValidator creates an input validation middleware
func NewInputValidator(validator ValidatorFunc) *InputValidator {
	return &InputValidator{validator: validator}
}

// Name returns the middleware name
func (m *InputValidator) Name() string {
	return "InputValidator"
}

// Execute validates the input
func (m *InputValidator) Execute(ctx *middleware.Context, next middleware.Handler) error {
	if m.validator != nil {
		if err := m.validator(ctx); err != nil {
			return err
		}
	}
	return next(ctx)
}

// Request validates the request shape and checks that the resolved adapter declares the
// capability the operation needs. Model listing needs none: adapters without it answer with
// their default models.
func Request() *InputValidator {
	return NewInputValidator(func(ctx *middleware.Context) error {
		if ctx.Provider == nil {
			return middleware.ErrInvalidContext
		}
		switch ctx.Operation {
		case middleware.OpChat, middleware.OpFIM:
			if err := ctx.Request.Validate(); err != nil {
				return err
			}
			if ctx.Request.IsFIM() != (ctx.Operation == middleware.OpFIM) {
				return fmt.Errorf("messages type %q does not match operation %s: %w",
					ctx.Request.MessagesType, ctx.Operation, relayerrors.ErrMalformedRequest)
			}
		}
		return RequireCapability(ctx.Provider, capabilityFor(ctx.Operation))
	})
}

// MaxMessages rejects conversations longer than n messages.
func MaxMessages(n int) *InputValidator {
	return NewInputValidator(func(ctx *middleware.Context) error {
		if ctx.Request != nil && n > 0 && len(ctx.Request.Messages) > n {
			return fmt.Errorf("%d messages exceeds the limit of %d: %w", len(ctx.Request.Messages), n, relayerrors.ErrMalformedRequest)
		}
		return nil
	})
}

// RequireCapability reports ErrUnsupportedOperation when adapter lacks caps.
func RequireCapability(adapter provider.Adapter, caps provider.Capabilities) error {
	if adapter.Capabilities().Has(caps) {
		return nil
	}
	return fmt.Errorf("%s does not support %s: %w", adapter.Name(), caps, relayerrors.ErrUnsupportedOperation)
}

func capabilityFor(op middleware.Operation) provider.Capabilities {
	switch op {
	case middleware.OpFIM:
		return provider.FIM
	case middleware.OpListModels:
		return 0
	default:
		return provider.Chat
	}
}
