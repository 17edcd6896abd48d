package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sweetpotato0/ai-relay/provider"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for field %q: %s", e.Field, e.Message)
}

// Validator collects validation errors across chained checks.
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) add(field, format string, args ...any) *Validator {
	v.errors = append(v.errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	return v
}

// RequireNonEmpty validates that a string field is not blank
func (v *Validator) RequireNonEmpty(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		return v.add(field, "value cannot be empty")
	}
	return v
}

// RequirePositive validates that an integer field is greater than 0
func (v *Validator) RequirePositive(field string, value int) *Validator {
	if value <= 0 {
		return v.add(field, "value must be positive, got %d", value)
	}
	return v
}

// RequireNonNegative validates that an integer field is at least 0
func (v *Validator) RequireNonNegative(field string, value int) *Validator {
	if value < 0 {
		return v.add(field, "value must not be negative, got %d", value)
	}
	return v
}

// ValidateRange validates that an integer field is within [min, max]
func (v *Validator) ValidateRange(field string, value, min, max int) *Validator {
	if value < min || value > max {
		return v.add(field, "value must be between %d and %d, got %d", min, max, value)
	}
	return v
}

// ValidatePort validates that a port number is valid (1-65535)
func (v *Validator) ValidatePort(field string, port int) *Validator {
	return v.ValidateRange(field, port, 1, 65535)
}

// ValidateDBNumber validates a Redis database number (0-15)
func (v *Validator) ValidateDBNumber(field string, db int) *Validator {
	return v.ValidateRange(field, db, 0, 15)
}

// ValidateDuration validates that d is not negative.
func (v *Validator) ValidateDuration(field string, d time.Duration) *Validator {
	if d < 0 {
		return v.add(field, "duration must not be negative, got %s", d)
	}
	return v
}

// ValidateOneOf validates that a string value is one of the allowed options
func (v *Validator) ValidateOneOf(field string, value string, allowed ...string) *Validator {
	for _, a := range allowed {
		if a == value {
			return v
		}
	}
	return v.add(field, "value must be one of %v, got %q", allowed, value)
}

// ValidateURL validates an optional absolute http(s) URL.
func (v *Validator) ValidateURL(field, value string) *Validator {
	if value == "" {
		return v
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return v.add(field, "value must be an absolute http(s) URL, got %q", value)
	}
	return v
}

// ValidateHeaders validates that every header name is in canonical form.
func (v *Validator) ValidateHeaders(field string, headers map[string]string) *Validator {
	for name := range headers {
		if name == "" || http.CanonicalHeaderKey(name) != name {
			v.add(field, "header %q is not a canonical HTTP header name", name)
		}
	}
	return v
}

// HasErrors returns true if there are any validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Error returns a combined error or nil if no errors
func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for _, e := range v.errors {
		fmt.Fprintf(&b, "\n  - %s: %s", e.Field, e.Message)
	}
	return errors.New(b.String())
}

// Errors returns all validation errors
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Merge appends the errors of other, prefixing their fields.
func (v *Validator) Merge(prefix string, other *Validator) *Validator {
	for _, e := range other.errors {
		v.errors = append(v.errors, ValidationError{Field: prefix + "." + e.Field, Message: e.Message})
	}
	return v
}

// ValidateProviderSettings checks one backend's connection settings.
func ValidateProviderSettings(name string, s provider.Settings) *Validator {
	v := NewValidator()
	v.RequireNonEmpty("name", name)
	v.ValidateURL("base_url", s.BaseURL)
	v.ValidateHeaders("headers", s.Headers)
	v.ValidateDuration("timeout", s.Timeout)
	if s.TLS.CAFile != "" && s.TLS.CAPEM != "" {
		v.add("tls", "ca_file and ca_pem are mutually exclusive")
	}
	return v
}

// ValidatePostgresConfig validates PostgreSQL transcript settings.
func ValidatePostgresConfig(dsn, table string) error {
	v := NewValidator()
	v.RequireNonEmpty("dsn", dsn)
	if table != "" && !isIdentifier(table) {
		v.add("table", "value must be a plain SQL identifier, got %q", table)
	}
	return v.Error()
}

// ValidateRedisConfig validates Redis configuration
func ValidateRedisConfig(addr string, db int, key string) error {
	v := NewValidator()
	v.RequireNonEmpty("addr", addr)
	v.ValidateDBNumber("db", db)
	v.RequireNonEmpty("key", key)
	return v.Error()
}

// ValidateMongoDBConfig validates MongoDB configuration
func ValidateMongoDBConfig(uri string, database string, collection string) error {
	v := NewValidator()
	v.RequireNonEmpty("uri", uri)
	v.RequireNonEmpty("database", database)
	v.RequireNonEmpty("collection", collection)
	return v.Error()
}

// ValidateRateLimiterConfig validates rate limiter configuration
func ValidateRateLimiterConfig(maxRequests int, window time.Duration) error {
	v := NewValidator()
	v.RequirePositive("requests", maxRequests)
	if window <= 0 {
		v.add("window", "duration must be positive, got %s", window)
	}
	return v.Error()
}

func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
