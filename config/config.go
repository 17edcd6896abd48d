// Package config loads the relay's YAML settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/tool/mcp"
)

// Transcript backends.
const (
	TranscriptNone     = "none"
	TranscriptMemory   = "memory"
	TranscriptPostgres = "postgres"
	TranscriptMongoDB  = "mongodb"
)

// Config is the parsed settings file.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Log        LogConfig                 `yaml:"log"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	RateLimit  RateLimitConfig           `yaml:"rate_limit"`
	Transcript TranscriptConfig          `yaml:"transcript"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Tags       TagsConfig                `yaml:"tags"`
	MCP        []mcp.Config              `yaml:"mcp"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// ProviderConfig is the connection settings of one backend plus the models it serves.
type ProviderConfig struct {
	provider.Settings `yaml:",inline"`
	Models            []string `yaml:"models"`
}

// RateLimitConfig bounds outgoing backend calls. Requests <= 0 disables limiting.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	Redis    *RedisConfig  `yaml:"redis"`
}

// Enabled reports whether a limit is configured.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0
}

// RedisConfig shares the rate window between relay instances.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// TranscriptConfig selects where finished requests are recorded.
type TranscriptConfig struct {
	Backend  string         `yaml:"backend"`
	Limit    int            `yaml:"limit"`
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

// PostgresConfig holds PostgreSQL transcript settings.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// MongoDBConfig holds MongoDB transcript settings.
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// TelemetryConfig configures tracing. An empty endpoint exports to stdout.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// TagsConfig overrides the in-band tag delimiters.
type TagsConfig struct {
	ReasoningOpen  string `yaml:"reasoning_open"`
	ReasoningClose string `yaml:"reasoning_close"`
	ToolOpen       string `yaml:"tool_open"`
	ToolClose      string `yaml:"tool_close"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Server:     ServerConfig{Port: 8080, ShutdownTimeout: 10 * time.Second},
		Log:        LogConfig{Format: "text", Level: "info"},
		Providers:  map[string]ProviderConfig{},
		RateLimit:  RateLimitConfig{Window: time.Minute},
		Transcript: TranscriptConfig{Backend: TranscriptMemory, Limit: 1000},
		Telemetry:  TelemetryConfig{ServiceName: "ai-relay"},
	}
}

// Load reads the YAML file at path, expands ${VAR} references from the environment,
// applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML settings.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if cfg.RateLimit.Redis != nil && cfg.RateLimit.Redis.Key == "" {
		cfg.RateLimit.Redis.Key = "ai-relay:ratelimit"
	}
	if cfg.Transcript.Postgres.Table == "" {
		cfg.Transcript.Postgres.Table = "transcripts"
	}
	if cfg.Transcript.MongoDB.Database == "" {
		cfg.Transcript.MongoDB.Database = "ai_relay"
	}
	if cfg.Transcript.MongoDB.Collection == "" {
		cfg.Transcript.MongoDB.Collection = "transcripts"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	v := NewValidator()
	v.ValidatePort("server.port", c.Server.Port)
	v.ValidateDuration("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.ValidateOneOf("log.format", c.Log.Format, "text", "json")
	v.ValidateOneOf("log.level", c.Log.Level, "debug", "info", "warn", "error")

	for _, name := range c.ProviderNames() {
		v.Merge("providers."+name, ValidateProviderSettings(name, c.Providers[name].Settings))
	}

	if c.RateLimit.Enabled() {
		if err := ValidateRateLimiterConfig(c.RateLimit.Requests, c.RateLimit.Window); err != nil {
			v.add("rate_limit", "%v", err)
		}
		if r := c.RateLimit.Redis; r != nil {
			if err := ValidateRedisConfig(r.Addr, r.DB, r.Key); err != nil {
				v.add("rate_limit.redis", "%v", err)
			}
		}
	}

	v.ValidateOneOf("transcript.backend", c.Transcript.Backend,
		TranscriptNone, TranscriptMemory, TranscriptPostgres, TranscriptMongoDB)
	v.RequireNonNegative("transcript.limit", c.Transcript.Limit)
	switch c.Transcript.Backend {
	case TranscriptPostgres:
		if err := ValidatePostgresConfig(c.Transcript.Postgres.DSN, c.Transcript.Postgres.Table); err != nil {
			v.add("transcript.postgres", "%v", err)
		}
	case TranscriptMongoDB:
		m := c.Transcript.MongoDB
		if err := ValidateMongoDBConfig(m.URI, m.Database, m.Collection); err != nil {
			v.add("transcript.mongodb", "%v", err)
		}
	}

	for i, server := range c.MCP {
		if server.Command == "" && server.Endpoint == "" {
			v.add(fmt.Sprintf("mcp[%d]", i), "either command or endpoint is required")
		}
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		v.add("telemetry.sample_ratio", "must be between 0 and 1, got %v", r)
	}
	return v.Error()
}

// ProviderNames returns the configured provider names, sorted.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Settings returns the connection settings for name, or zero settings when unconfigured.
func (c Config) Settings(name string) provider.Settings {
	pc := c.Providers[name]
	s := pc.Settings.Clone()
	s.Models = slices.Clone(pc.Models)
	return s
}
