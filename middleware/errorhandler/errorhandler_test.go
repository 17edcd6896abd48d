package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/middleware"
)

func TestErrorHandler(t *testing.T) {
	t.Run("catches error from next middleware", func(t *testing.T) {
		errorCaught := false
		handler := NewErrorHandler(func(_ *middleware.Context, err error) error {
			errorCaught = true
			return nil // suppress error
		})

		err := handler.Execute(&middleware.Context{}, func(c *middleware.Context) error {
			return errors.New("test error")
		})

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !errorCaught {
			t.Error("error was not caught")
		}
	})

	t.Run("passes through non-errors", func(t *testing.T) {
		handlerCalled := false
		handler := NewErrorHandler(func(_ *middleware.Context, err error) error {
			handlerCalled = true
			return err
		})

		err := handler.Execute(&middleware.Context{}, func(c *middleware.Context) error {
			return nil
		})

		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if handlerCalled {
			t.Error("error handler should not be called for nil errors")
		}
	})
}

func TestNormalize(t *testing.T) {
	raw := errors.New("dial tcp: connection refused")
	tests := []struct {
		name     string
		err      error
		wantSame bool
	}{
		{name: "raw error is wrapped", err: raw},
		{name: "credentials kept", err: &relayerrors.InvalidCredentialsError{Provider: "openai"}, wantSame: true},
		{name: "malformed kept", err: fmt.Errorf("bad: %w", relayerrors.ErrMalformedRequest), wantSame: true},
		{name: "cancellation kept", err: context.Canceled, wantSame: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Normalize().Execute(&middleware.Context{}, func(*middleware.Context) error { return tt.err })
			if tt.wantSame {
				if err != tt.err {
					t.Errorf("expected error to pass unchanged, got %v", err)
				}
				return
			}
			if !errors.Is(err, relayerrors.ErrBackend) || !errors.Is(err, tt.err) {
				t.Errorf("expected BackendError wrapping cause, got %v", err)
			}
		})
	}
}

func TestRecover(t *testing.T) {
	err := Recover(nil).Execute(&middleware.Context{Operation: middleware.OpChat}, func(*middleware.Context) error {
		panic("nil map write")
	})
	if !errors.Is(err, relayerrors.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "nil map write") {
		t.Errorf("panic value missing from %q", err.Error())
	}

	if err := Recover(nil).Execute(&middleware.Context{}, func(*middleware.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
