package config

import (
	"strings"
	"testing"
	"time"

	"github.com/sweetpotato0/ai-relay/provider"
)

func TestValidatorChecks(t *testing.T) {
	tests := []struct {
		name      string
		check     func(v *Validator)
		wantError bool
	}{
		{"non-empty value", func(v *Validator) { v.RequireNonEmpty("f", "valid") }, false},
		{"blank value", func(v *Validator) { v.RequireNonEmpty("f", "  ") }, true},
		{"positive value", func(v *Validator) { v.RequirePositive("f", 10) }, false},
		{"zero value", func(v *Validator) { v.RequirePositive("f", 0) }, true},
		{"zero is non-negative", func(v *Validator) { v.RequireNonNegative("f", 0) }, false},
		{"negative value", func(v *Validator) { v.RequireNonNegative("f", -1) }, true},
		{"in range", func(v *Validator) { v.ValidateRange("f", 5, 1, 10) }, false},
		{"above range", func(v *Validator) { v.ValidateRange("f", 11, 1, 10) }, true},
		{"valid port", func(v *Validator) { v.ValidatePort("f", 8080) }, false},
		{"port too large", func(v *Validator) { v.ValidatePort("f", 70000) }, true},
		{"redis db 15", func(v *Validator) { v.ValidateDBNumber("f", 15) }, false},
		{"redis db 16", func(v *Validator) { v.ValidateDBNumber("f", 16) }, true},
		{"negative duration", func(v *Validator) { v.ValidateDuration("f", -time.Second) }, true},
		{"allowed option", func(v *Validator) { v.ValidateOneOf("f", "json", "json", "text") }, false},
		{"disallowed option", func(v *Validator) { v.ValidateOneOf("f", "xml", "json", "text") }, true},
		{"empty url is optional", func(v *Validator) { v.ValidateURL("f", "") }, false},
		{"https url", func(v *Validator) { v.ValidateURL("f", "https://api.groq.com/openai/v1") }, false},
		{"relative url", func(v *Validator) { v.ValidateURL("f", "/v1") }, true},
		{"ftp url", func(v *Validator) { v.ValidateURL("f", "ftp://example.com") }, true},
		{"canonical header", func(v *Validator) { v.ValidateHeaders("f", map[string]string{"X-Org-Id": "1"}) }, false},
		{"lowercase header", func(v *Validator) { v.ValidateHeaders("f", map[string]string{"x-org-id": "1"}) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator()
			tt.check(v)
			if v.HasErrors() != tt.wantError {
				t.Errorf("HasErrors() = %v, want %v (%v)", v.HasErrors(), tt.wantError, v.Errors())
			}
		})
	}
}

func TestValidatorMultipleErrors(t *testing.T) {
	v := NewValidator()
	v.RequireNonEmpty("field1", "").RequirePositive("field2", -1).ValidatePort("field3", 0)

	if len(v.Errors()) != 3 {
		t.Fatalf("expected 3 errors, got %d", len(v.Errors()))
	}
	msg := v.Error().Error()
	for _, field := range []string{"field1", "field2", "field3"} {
		if !strings.Contains(msg, field) {
			t.Errorf("error message missing %s: %q", field, msg)
		}
	}
	if NewValidator().Error() != nil {
		t.Error("empty validator should return nil")
	}
}

func TestValidatorMerge(t *testing.T) {
	inner := NewValidator().RequireNonEmpty("api_key", "")
	outer := NewValidator().Merge("providers.openai", inner)
	if len(outer.Errors()) != 1 || outer.Errors()[0].Field != "providers.openai.api_key" {
		t.Errorf("merged errors = %+v", outer.Errors())
	}
}

func TestValidateProviderSettings(t *testing.T) {
	tests := []struct {
		name      string
		settings  provider.Settings
		wantError bool
	}{
		{name: "defaults", settings: provider.Settings{}, wantError: false},
		{name: "full", settings: provider.Settings{
			APIKey:  "sk-1",
			BaseURL: "http://localhost:11434",
			Headers: map[string]string{"X-Title": "relay"},
			Timeout: 30 * time.Second,
		}, wantError: false},
		{name: "bad base url", settings: provider.Settings{BaseURL: "localhost:11434"}, wantError: true},
		{name: "both ca sources", settings: provider.Settings{TLS: provider.TLSConfig{CAFile: "a.pem", CAPEM: "pem"}}, wantError: true},
		{name: "negative timeout", settings: provider.Settings{Timeout: -time.Second}, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateProviderSettings("openai", tt.settings)
			if v.HasErrors() != tt.wantError {
				t.Errorf("HasErrors() = %v, want %v (%v)", v.HasErrors(), tt.wantError, v.Errors())
			}
		})
	}
}

func TestValidateStores(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantError bool
	}{
		{"postgres ok", ValidatePostgresConfig("postgres://localhost/relay", "transcripts"), false},
		{"postgres missing dsn", ValidatePostgresConfig("", "transcripts"), true},
		{"postgres injected table", ValidatePostgresConfig("postgres://localhost/relay", "t; DROP TABLE x"), true},
		{"redis ok", ValidateRedisConfig("localhost:6379", 0, "ai-relay:ratelimit"), false},
		{"redis missing addr", ValidateRedisConfig("", 0, "k"), true},
		{"redis bad db", ValidateRedisConfig("localhost:6379", 16, "k"), true},
		{"mongo ok", ValidateMongoDBConfig("mongodb://localhost:27017", "ai_relay", "transcripts"), false},
		{"mongo missing collection", ValidateMongoDBConfig("mongodb://localhost:27017", "ai_relay", ""), true},
		{"limiter ok", ValidateRateLimiterConfig(60, time.Minute), false},
		{"limiter zero requests", ValidateRateLimiterConfig(0, time.Minute), true},
		{"limiter zero window", ValidateRateLimiterConfig(10, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantError {
				t.Errorf("error = %v, wantError %v", tt.err, tt.wantError)
			}
		})
	}
}
