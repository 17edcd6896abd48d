package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantCreds  bool
		wantStatus int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantCreds: true, wantStatus: 401},
		{name: "server error", status: http.StatusBadGateway, wantStatus: 502},
		{name: "rate limited", status: http.StatusTooManyRequests, wantStatus: 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus("openai", tt.status, "", nil)
			if got := errors.Is(err, ErrInvalidCredentials); got != tt.wantCreds {
				t.Errorf("errors.Is(ErrInvalidCredentials) = %v, want %v", got, tt.wantCreds)
			}
			var be *BackendError
			if !errors.As(err, &be) {
				t.Fatalf("expected BackendError in chain, got %T", err)
			}
			if be.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", be.StatusCode, tt.wantStatus)
			}
			if be.Message == "" {
				t.Error("expected default message from status text")
			}
		})
	}
}

func TestBackendKeepsTypedErrors(t *testing.T) {
	creds := &InvalidCredentialsError{Provider: "claude"}
	if got := Backend("claude", fmt.Errorf("stream: %w", creds)); !errors.Is(got, ErrInvalidCredentials) {
		t.Errorf("expected credentials error to survive, got %v", got)
	}

	raw := errors.New("connection reset by peer")
	got := Backend("ollama", raw)
	if !errors.Is(got, ErrBackend) {
		t.Errorf("expected ErrBackend kind, got %v", got)
	}
	if !errors.Is(got, raw) {
		t.Error("expected cause to be preserved")
	}

	if Backend("ollama", nil) != nil {
		t.Error("nil cause should stay nil")
	}
}

func TestUserMessage(t *testing.T) {
	err := FromStatus("gemini", http.StatusUnauthorized, "API key not valid", nil)
	msg := UserMessage(fmt.Errorf("dispatch: %w", err))
	if !strings.Contains(msg, "check your key") {
		t.Errorf("expected actionable message, got %q", msg)
	}

	unknown := &UnknownProviderError{Name: "nope"}
	if !errors.Is(unknown, ErrUnknownProvider) {
		t.Error("UnknownProviderError should match ErrUnknownProvider")
	}
	if UserMessage(nil) != "" {
		t.Error("nil error should render empty")
	}
}
