package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common error conditions
var (
	// ErrInvalidCredentials indicates the backend rejected the configured API key
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownProvider indicates no adapter is registered under the requested name
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel indicates the request did not name a usable model
	ErrUnknownModel = errors.New("unknown model")

	// ErrMalformedRequest indicates a request that is rejected before any network call
	ErrMalformedRequest = errors.New("malformed request")

	// ErrMalformedToolCall indicates tool call text that could not be turned into a call
	ErrMalformedToolCall = errors.New("malformed tool call")

	// ErrUnsupportedOperation indicates the backend cannot serve the requested operation
	ErrUnsupportedOperation = errors.New("unsupported provider operation")

	// ErrBackend is the kind shared by every BackendError
	ErrBackend = errors.New("backend error")
)

// InvalidCredentialsError is returned when a backend answers 401 (or an equivalent auth failure).
type InvalidCredentialsError struct {
	Provider string
	Cause    error
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid API key for %s, check your key in settings", e.Provider)
}

func (e *InvalidCredentialsError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrInvalidCredentials) match.
func (e *InvalidCredentialsError) Is(target error) bool { return target == ErrInvalidCredentials }

// UnknownProviderError reports a provider name missing from the registry.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

func (e *UnknownProviderError) Is(target error) bool { return target == ErrUnknownProvider }

// BackendError wraps every network, HTTP or decoding failure coming from a backend.
type BackendError struct {
	Provider   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *BackendError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	case e.Provider != "":
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	default:
		return e.Message
	}
}

func (e *BackendError) Unwrap() error { return e.Cause }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// FromStatus maps an HTTP status code returned by provider to the matching error kind.
func FromStatus(provider string, status int, message string, cause error) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		return &InvalidCredentialsError{Provider: provider, Cause: &BackendError{
			Provider:   provider,
			StatusCode: status,
			Message:    message,
			Cause:      cause,
		}}
	}
	return &BackendError{Provider: provider, StatusCode: status, Message: message, Cause: cause}
}

// Backend wraps a transport level failure that carries no status code.
func Backend(provider string, cause error) error {
	if cause == nil {
		return nil
	}
	var be *BackendError
	var ic *InvalidCredentialsError
	if errors.As(cause, &be) || errors.As(cause, &ic) {
		return cause
	}
	return &BackendError{Provider: provider, Message: cause.Error(), Cause: cause}
}

// UserMessage renders err the way it is shown to a caller in an error event.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ic *InvalidCredentialsError
	if errors.As(err, &ic) {
		return ic.Error()
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.Error()
	}
	return err.Error()
}
