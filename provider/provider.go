// Package provider defines the contract every backend adapter implements and the registry
// the dispatcher resolves adapters from.
package provider

import (
	"context"
	"crypto/tls"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sweetpotato0/ai-relay/llm"
)

// Capabilities is the set of features an adapter supports.
type Capabilities uint32

const (
	// Chat streams a chat conversation.
	Chat Capabilities = 1 << iota
	// FIM streams a fill-in-middle completion.
	FIM
	// ListModels enumerates the backend's models.
	ListModels
	// NativeTools means tool calls arrive as structured deltas.
	NativeTools
	// NativeReasoning means reasoning arrives as structured deltas.
	NativeReasoning
	// SystemMessage means the backend accepts a separate system prompt.
	SystemMessage
)

var capabilityNames = []struct {
	c    Capabilities
	name string
}{
	{Chat, "chat"},
	{FIM, "fim"},
	{ListModels, "list_models"},
	{NativeTools, "native_tools"},
	{NativeReasoning, "native_reasoning"},
	{SystemMessage, "system_message"},
}

// Has reports whether every capability in c2 is present.
func (c Capabilities) Has(c2 Capabilities) bool {
	return c&c2 == c2
}

func (c Capabilities) String() string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.c) {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, ",")
}

// TLSConfig customises certificate handling for backends behind private CAs or proxies.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file" json:"ca_file,omitempty"`
	CAPEM    string `yaml:"ca_pem" json:"ca_pem,omitempty"`
	Insecure bool   `yaml:"insecure" json:"insecure,omitempty"`
}

// Empty reports whether no TLS customisation is requested.
func (t TLSConfig) Empty() bool {
	return t.CAFile == "" && t.CAPEM == "" && !t.Insecure
}

// Settings are the per-request connection settings for one backend.
type Settings struct {
	APIKey  string            `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL string            `yaml:"base_url" json:"base_url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// Options carries adapter specific knobs, e.g. "thinking_budget" for claude.
	Options map[string]string `yaml:"options" json:"options,omitempty"`
	TLS     TLSConfig         `yaml:"tls" json:"tls,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	// Models restricts which models may be requested. Empty allows any model.
	Models []string `yaml:"-" json:"-"`

	// HTTPClient is built by the request interceptors; adapters fall back to
	// http.DefaultClient when it is nil.
	HTTPClient *http.Client `yaml:"-" json:"-"`
	// TLSClientConfig is the resolved TLS configuration for HTTPClient.
	TLSClientConfig *tls.Config `yaml:"-" json:"-"`
}

// Client returns the HTTP client adapters should use.
func (s Settings) Client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// Option returns the named adapter option or def.
func (s Settings) Option(name, def string) string {
	if v, ok := s.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// IntOption returns the named adapter option parsed as an int, or def.
func (s Settings) IntOption(name string, def int) int {
	v, ok := s.Options[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Clone returns a copy whose maps can be modified freely.
func (s Settings) Clone() Settings {
	out := s
	out.Headers = cloneMap(s.Headers)
	out.Options = cloneMap(s.Options)
	out.Models = slices.Clone(s.Models)
	return out
}

// AllowsModel reports whether name may be requested with these settings.
func (s Settings) AllowsModel(name string) bool {
	return len(s.Models) == 0 || slices.Contains(s.Models, name)
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Stream is an open response stream. Recv returns io.EOF after the last chunk.
// Close may be called at any time and releases the connection.
type Stream interface {
	Recv() (llm.Chunk, error)
	Close() error
}

// Client streams chat completions from one backend.
type Client interface {
	StreamChat(ctx context.Context, req *llm.Request) (Stream, error)
}

// FIMClient is implemented by clients that support fill-in-middle completions.
type FIMClient interface {
	StreamFIM(ctx context.Context, req *llm.Request) (Stream, error)
}

// ModelLister is implemented by clients that can enumerate models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.Model, error)
}

// Adapter describes a backend and builds clients for it.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// DefaultModels lists well-known model names, used when a backend cannot list models.
	DefaultModels() []string
	NewClient(settings Settings) (Client, error)
}
