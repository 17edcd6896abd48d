package ollama

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
	name           = "ollama"
	defaultBaseURL = "http://localhost:11434"
	defaultModel   = "llama3.1"

	chatPath     = "/api/chat"
	generatePath = "/api/generate"
	tagsPath     = "/api/tags"
)

// Adapter implements provider.Adapter for a local or remote Ollama server.
type Adapter struct{}

// New creates the Ollama adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return name }

// Capabilities has no native tools or reasoning; both travel as tagged text.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Chat | provider.FIM | provider.ListModels | provider.SystemMessage
}

func (a *Adapter) DefaultModels() []string {
	return []string{defaultModel, "qwen2.5-coder", "deepseek-r1"}
}

func (a *Adapter) NewClient(settings provider.Settings) (provider.Client, error) {
	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{settings: settings, baseURL: baseURL, http: settings.Client()}, nil
}

// Client talks to the Ollama REST API.
type Client struct {
	settings provider.Settings
	baseURL  string
	http     *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *options      `json:"options,omitempty"`
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Suffix  string   `json:"suffix,omitempty"`
	Stream  bool     `json:"stream"`
	Raw     bool     `json:"raw,omitempty"`
	Options *options `json:"options,omitempty"`
}

func requestOptions(req *llm.Request, stop []string) *options {
	if req.Temperature == nil && req.MaxTokens <= 0 && len(stop) == 0 {
		return nil
	}
	return &options{Temperature: req.Temperature, NumPredict: req.MaxTokens, Stop: stop}
}

func model(req *llm.Request) string {
	if req.ModelName != "" {
		return req.ModelName
	}
	return defaultModel
}

// StreamChat streams /api/chat.
func (c *Client) StreamChat(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	system, rest := message.CombineSystem(req.Messages, req.SystemMessage)
	msgs := make([]chatMessage, 0, len(rest)+1)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range rest {
		role := string(msg.Role)
		if msg.Role == message.RoleTool {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: msg.Content})
	}

	body := chatRequest{Model: model(req), Messages: msgs, Stream: true, Options: requestOptions(req, nil)}
	resp, err := c.post(ctx, chatPath, body)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body, "message.content", "message.thinking"), nil
}

// StreamFIM streams /api/generate with a suffix.
func (c *Client) StreamFIM(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	if req.FIM == nil {
		return nil, fmt.Errorf("%s: fim request without input: %w", name, relayerrors.ErrMalformedRequest)
	}
	body := generateRequest{
		Model:   model(req),
		Prompt:  req.FIM.Prefix,
		Suffix:  req.FIM.Suffix,
		Stream:  true,
		Options: requestOptions(req, req.FIM.Stop),
	}
	resp, err := c.post(ctx, generatePath, body)
	if err != nil {
		return nil, err
	}
	return newStream(resp.Body, "response", "thinking"), nil
}

// ListModels reads the locally installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tagsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mapTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, provider.ErrorFromResponse(name, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapTransport(err)
	}

	var models []llm.Model
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("model").String()
		if id == "" {
			id = m.Get("name").String()
		}
		models = append(models, llm.Model{ID: id, Provider: name, Name: m.Get("name").String()})
		return true
	})
	return models, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ErrorFromResponse(name, resp)
	}
	return resp, nil
}

func (c *Client) setHeaders(r *http.Request) {
	// Ollama itself is unauthenticated; keys matter for proxies in front of it.
	if c.settings.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}
	for k, v := range c.settings.Headers {
		r.Header.Set(k, v)
	}
}

type stream struct {
	body          io.ReadCloser
	lines         *provider.LineReader
	textPath      string
	reasoningPath string
	queue         provider.ChunkQueue
	done          bool
}

func newStream(body io.ReadCloser, textPath, reasoningPath string) *stream {
	return &stream{body: body, lines: provider.NewLineReader(body), textPath: textPath, reasoningPath: reasoningPath}
}

func (s *stream) Recv() (llm.Chunk, error) {
	for {
		if c, ok := s.queue.Pop(); ok {
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		line, err := s.lines.Next()
		if err == io.EOF {
			s.done = true
			continue
		}
		if err != nil {
			s.done = true
			return llm.Chunk{}, mapTransport(err)
		}
		if err := s.decode(line); err != nil {
			s.done = true
			return llm.Chunk{}, err
		}
	}
}

func (s *stream) decode(line []byte) error {
	if !gjson.ValidBytes(line) {
		return &relayerrors.BackendError{Provider: name, Message: "invalid stream line: " + string(line)}
	}
	data := gjson.ParseBytes(line)
	if msg := data.Get("error"); msg.Exists() {
		return &relayerrors.BackendError{Provider: name, Message: msg.String()}
	}
	s.queue.Push(llm.Chunk{
		ReasoningDelta: data.Get(s.reasoningPath).String(),
		TextDelta:      data.Get(s.textPath).String(),
	})
	if data.Get("done").Bool() {
		in, out := int(data.Get("prompt_eval_count").Int()), int(data.Get("eval_count").Int())
		if in+out > 0 {
			s.queue.Push(llm.Chunk{Usage: &llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}})
		}
		s.done = true
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
