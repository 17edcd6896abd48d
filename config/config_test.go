package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
server:
  port: 9090
log:
  format: json
  level: debug
providers:
  openai:
    api_key: ${RELAY_TEST_OPENAI_KEY}
    models: [gpt-4o-mini]
  ollama:
    base_url: http://localhost:11434
    timeout: 2m
    headers:
      X-Client: relay
  claude:
    api_key: sk-ant
    options:
      thinking_budget: "2048"
rate_limit:
  requests: 60
  window: 1m
  redis:
    addr: localhost:6379
transcript:
  backend: postgres
  postgres:
    dsn: postgres://localhost/relay
mcp:
  - name: files
    command: mcp-files
    args: [--root, /tmp]
`

func TestLoad(t *testing.T) {
	t.Setenv("RELAY_TEST_OPENAI_KEY", "sk-from-env")
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Settings("openai").APIKey; got != "sk-from-env" {
		t.Errorf("env expansion failed, api_key = %q", got)
	}
	if models := cfg.Providers["openai"].Models; len(models) != 1 || models[0] != "gpt-4o-mini" {
		t.Errorf("models = %v", models)
	}
	if openai := cfg.Settings("openai"); !openai.AllowsModel("gpt-4o-mini") || openai.AllowsModel("gpt-4o") {
		t.Errorf("openai model allow-list = %v", openai.Models)
	}
	if !cfg.Settings("ollama").AllowsModel("llama3") {
		t.Error("a provider without models should allow any model")
	}
	ollama := cfg.Settings("ollama")
	if ollama.Timeout != 2*time.Minute || ollama.Headers["X-Client"] != "relay" {
		t.Errorf("ollama = %+v", ollama)
	}
	if cfg.Settings("claude").IntOption("thinking_budget", 0) != 2048 {
		t.Error("adapter options not decoded")
	}
	if cfg.RateLimit.Redis == nil || cfg.RateLimit.Redis.Key != "ai-relay:ratelimit" {
		t.Errorf("redis = %+v", cfg.RateLimit.Redis)
	}
	if cfg.Transcript.Postgres.Table != "transcripts" {
		t.Errorf("postgres table default = %q", cfg.Transcript.Postgres.Table)
	}
	if len(cfg.MCP) != 1 || cfg.MCP[0].Args[1] != "/tmp" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
	if names := cfg.ProviderNames(); strings.Join(names, ",") != "claude,ollama,openai" {
		t.Errorf("names = %v", names)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Transcript.Backend != TranscriptMemory || cfg.RateLimit.Enabled() {
		t.Errorf("defaults = %+v", cfg)
	}
	if s := cfg.Settings("unconfigured"); s.APIKey != "" {
		t.Errorf("unconfigured provider should have zero settings, got %+v", s)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server: {port: 70000}", "server.port"},
		{"bad base url", "providers: {groq: {base_url: api.groq.com}}", "providers.groq.base_url"},
		{"limit without window", "rate_limit: {requests: 10, window: 0s}", "rate_limit"},
		{"postgres without dsn", "transcript: {backend: postgres}", "transcript.postgres"},
		{"unknown backend", "transcript: {backend: sqlite}", "transcript.backend"},
		{"mcp without target", "mcp: [{name: x}]", "mcp[0]"},
		{"not yaml", "server: [", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "ai-relay.example.yaml"))
	if err != nil {
		t.Fatalf("example settings file must load: %v", err)
	}
	if cfg.Telemetry.SampleRatio != 0.5 {
		t.Errorf("sample_ratio = %v", cfg.Telemetry.SampleRatio)
	}
	if got := cfg.Settings("openai-compatible").TLS.CAFile; got != "/etc/ssl/internal-ca.pem" {
		t.Errorf("tls.ca_file = %q", got)
	}
}
