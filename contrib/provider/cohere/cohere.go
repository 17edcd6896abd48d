package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/provider"
)

const (
	name          = "cohere"
	cohereAPIURL  = "https://api.cohere.com"
	defaultModel  = "command-r-plus"
	userAgent     = "ai-relay"
	chatPath      = "/v2/chat"
	contentDelta  = "content-delta"
	messageEnd    = "message-end"
	streamErrType = "error"
)

// Adapter implements provider.Adapter for the Cohere v2 chat API.
type Adapter struct{}

// New creates the Cohere adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return name }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Chat | provider.SystemMessage
}

func (a *Adapter) DefaultModels() []string {
	return []string{defaultModel, "command-r", "command-a-03-2025"}
}

// NewClient creates a client for settings.
func (a *Adapter) NewClient(settings provider.Settings) (provider.Client, error) {
	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = cohereAPIURL
	}
	return &Client{settings: settings, baseURL: baseURL, http: settings.Client()}, nil
}

// Client streams from Cohere over raw HTTP.
type Client struct {
	settings provider.Settings
	baseURL  string
	http     *http.Client
}

// cohereMessage represents a message in Cohere API format
type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// cohereRequest represents a Cohere v2 chat request
type cohereRequest struct {
	Model       string          `json:"model"`
	Messages    []cohereMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

// StreamChat opens a streaming chat request.
func (c *Client) StreamChat(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	system, rest := message.CombineSystem(req.Messages, req.SystemMessage)
	msgs := make([]cohereMessage, 0, len(rest)+1)
	if system != "" {
		msgs = append(msgs, cohereMessage{Role: "system", Content: system})
	}
	for _, msg := range rest {
		switch msg.Role {
		case message.RoleUser, message.RoleAssistant:
			msgs = append(msgs, cohereMessage{Role: string(msg.Role), Content: msg.Content})
		case message.RoleTool:
			// tool results only reach here when preprocessing was skipped
			msgs = append(msgs, cohereMessage{Role: "user", Content: msg.Content})
		}
	}

	model := req.ModelName
	if model == "" {
		model = defaultModel
	}
	payload := cohereRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range c.settings.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mapTransport(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, provider.ErrorFromResponse(name, httpResp)
	}
	return &stream{body: httpResp.Body, events: provider.NewSSEReader(httpResp.Body)}, nil
}

type stream struct {
	body   io.ReadCloser
	events *provider.SSEReader
	queue  provider.ChunkQueue
	done   bool
}

func (s *stream) Recv() (llm.Chunk, error) {
	for {
		if c, ok := s.queue.Pop(); ok {
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		ev, err := s.events.Next()
		if err == io.EOF {
			s.done = true
			continue
		}
		if err != nil {
			s.done = true
			return llm.Chunk{}, mapTransport(err)
		}
		if err := s.decode(ev); err != nil {
			s.done = true
			return llm.Chunk{}, err
		}
	}
}

func (s *stream) decode(ev provider.Event) error {
	if !gjson.Valid(ev.Data) {
		return nil
	}
	data := gjson.Parse(ev.Data)
	typ := ev.Type
	if typ == "" {
		typ = data.Get("type").String()
	}
	switch typ {
	case contentDelta:
		s.queue.Push(llm.Chunk{TextDelta: data.Get("delta.message.content.text").String()})
	case messageEnd:
		usage := data.Get("delta.usage.billed_units")
		if !usage.Exists() {
			usage = data.Get("delta.usage.tokens")
		}
		if usage.Exists() {
			in, out := int(usage.Get("input_tokens").Int()), int(usage.Get("output_tokens").Int())
			s.queue.Push(llm.Chunk{Usage: &llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}})
		}
		s.done = true
	case streamErrType:
		msg := data.Get("message").String()
		if msg == "" {
			msg = ev.Data
		}
		return &relayerrors.BackendError{Provider: name, Message: msg}
	}
	return nil
}

func (s *stream) Close() error {
	return s.body.Close()
}

func mapTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return relayerrors.Backend(name, err)
}
