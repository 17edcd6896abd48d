// Package mcp sources tool specs from Model Context Protocol servers. Only tool
// declarations are read; calling the tools is left to the caller of the relay.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sweetpotato0/ai-relay/pkg/logging"
)

// ErrClientClosed is returned when the session has ended.
var ErrClientClosed = errors.New("mcp client closed")

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	implementation sdkmcp.Implementation
	logger         *slog.Logger
	args           []string
	env            []string
	keepAlive      time.Duration
	httpClient     *http.Client
}

// WithLogger sets the logger receiving server log messages and stderr.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) { cfg.logger = l }
}

// WithArgs passes arguments to a command server.
func WithArgs(args ...string) Option {
	return func(cfg *clientConfig) { cfg.args = append(cfg.args, args...) }
}

// WithEnv appends KEY=VALUE pairs to a command server's environment.
func WithEnv(env ...string) Option {
	return func(cfg *clientConfig) { cfg.env = append(cfg.env, env...) }
}

// WithKeepAlive pings the server at interval.
func WithKeepAlive(interval time.Duration) Option {
	return func(cfg *clientConfig) { cfg.keepAlive = interval }
}

// WithHTTPClient sets the HTTP client of a streamable server connection.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// Client is a session with one MCP server.
type Client struct {
	session      *sdkmcp.ClientSession
	logger       *slog.Logger
	toolsChanged chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	closeErr     error
}

// Dial connects to an MCP server. A non-empty command starts it over stdio, otherwise the
// streamable HTTP transport is used against endpoint.
func Dial(ctx context.Context, command, endpoint string, opts ...Option) (*Client, error) {
	cfg := clientConfig{
		implementation: sdkmcp.Implementation{Name: "ai-relay", Version: "0.1.0"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.WithComponent("mcp")
	}

	c := &Client{
		logger:       cfg.logger,
		toolsChanged: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	var transport sdkmcp.Transport
	switch {
	case strings.TrimSpace(command) != "":
		cmd := exec.Command(command, cfg.args...)
		if len(cfg.env) > 0 {
			cmd.Env = append(os.Environ(), cfg.env...)
		}
		cmd.Stderr = stderrLogger{logger: cfg.logger, command: command}
		transport = &sdkmcp.CommandTransport{Command: cmd}
	case strings.TrimSpace(endpoint) != "":
		st := &sdkmcp.StreamableClientTransport{Endpoint: endpoint}
		if cfg.httpClient != nil {
			st.HTTPClient = cfg.httpClient
		}
		transport = st
	default:
		return nil, errors.New("mcp: either command or endpoint is required")
	}

	sdkClient := sdkmcp.NewClient(&cfg.implementation, &sdkmcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *sdkmcp.ToolListChangedRequest) {
			select {
			case c.toolsChanged <- struct{}{}:
			default:
			}
		},
		LoggingMessageHandler: func(_ context.Context, req *sdkmcp.LoggingMessageRequest) {
			if req != nil && req.Params != nil {
				c.logger.Debug("mcp server log", "level", string(req.Params.Level), "data", req.Params.Data)
			}
		},
		KeepAlive: cfg.keepAlive,
	})

	session, err := sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect: %w", err)
	}
	c.session = session
	go c.monitor()
	return c, nil
}

// ListTools pages through every tool the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]*sdkmcp.Tool, error) {
	if c.session == nil {
		return nil, ErrClientClosed
	}
	var (
		tools  []*sdkmcp.Tool
		params = &sdkmcp.ListToolsParams{}
	)
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		params.Cursor = res.NextCursor
	}
}

// ToolsChanged fires when the server announces a new tool list.
func (c *Client) ToolsChanged() <-chan struct{} {
	return c.toolsChanged
}

// Done is closed once the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.session != nil {
			c.closeErr = c.session.Close()
		}
		close(c.done)
	})
	return c.closeErr
}

func (c *Client) monitor() {
	if err := c.session.Wait(); err != nil && !errors.Is(err, sdkmcp.ErrConnectionClosed) {
		c.logger.Warn("mcp session ended", "error", err)
	}
	_ = c.Close()
}

type stderrLogger struct {
	logger  *slog.Logger
	command string
}

func (w stderrLogger) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Debug("mcp server stderr", "command", w.command, "line", msg)
	}
	return len(p), nil
}
