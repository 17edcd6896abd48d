package middleware

import "errors"

var (
	// ErrRateLimitExceeded indicates a limiter refused to wait for a slot
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidContext indicates middleware context is invalid
	ErrInvalidContext = errors.New("invalid middleware context")
)
