package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/provider"
)

// Preset describes one OpenAI-compatible backend.
type Preset struct {
	Name    string
	BaseURL string
	Caps    provider.Capabilities
	Models  []string
	// ReasoningFields lists non-standard delta fields that carry reasoning text.
	ReasoningFields []string
}

// OpenAI is the api.openai.com preset.
func OpenAI() Preset {
	return Preset{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		Caps:    provider.Chat | provider.FIM | provider.ListModels | provider.NativeTools | provider.SystemMessage,
		Models:  []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "o4-mini"},
	}
}

// DeepSeek streams reasoning through the reasoning_content delta field.
func DeepSeek() Preset {
	return Preset{
		Name:            "deepseek",
		BaseURL:         "https://api.deepseek.com/v1",
		Caps:            provider.Chat | provider.FIM | provider.ListModels | provider.NativeTools | provider.NativeReasoning | provider.SystemMessage,
		Models:          []string{"deepseek-chat", "deepseek-reasoner"},
		ReasoningFields: []string{"reasoning_content"},
	}
}

// OpenRouter proxies many vendors and reports reasoning in the reasoning delta field.
func OpenRouter() Preset {
	return Preset{
		Name:            "openrouter",
		BaseURL:         "https://openrouter.ai/api/v1",
		Caps:            provider.Chat | provider.ListModels | provider.NativeTools | provider.NativeReasoning | provider.SystemMessage,
		Models:          []string{"openrouter/auto"},
		ReasoningFields: []string{"reasoning", "reasoning_content"},
	}
}

// Compatible targets any OpenAI-compatible server; the endpoint comes from settings.
func Compatible() Preset {
	return Preset{
		Name: "openai-compatible",
		Caps: provider.Chat | provider.FIM | provider.ListModels | provider.NativeTools | provider.SystemMessage,
	}
}

// Adapter implements provider.Adapter for an OpenAI-compatible preset.
type Adapter struct {
	preset Preset
}

// New creates an adapter for preset.
func New(preset Preset) *Adapter {
	return &Adapter{preset: preset}
}

func (a *Adapter) Name() string                        { return a.preset.Name }
func (a *Adapter) Capabilities() provider.Capabilities { return a.preset.Caps }
func (a *Adapter) DefaultModels() []string             { return append([]string(nil), a.preset.Models...) }

// NewClient builds an SDK client for settings.
func (a *Adapter) NewClient(settings provider.Settings) (provider.Client, error) {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = a.preset.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required: %w", a.preset.Name, relayerrors.ErrMalformedRequest)
	}

	options := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(settings.Client()),
		option.WithMaxRetries(settings.IntOption("max_retries", 0)),
	}
	for k, v := range settings.Headers {
		options = append(options, option.WithHeader(k, v))
	}

	return &Client{
		sdk:       openai.NewClient(options...),
		name:      a.preset.Name,
		reasoning: a.preset.ReasoningFields,
	}, nil
}

// Client streams from an OpenAI-compatible endpoint.
type Client struct {
	sdk       openai.Client
	name      string
	reasoning []string
}

// StreamChat opens a streaming chat completion.
func (c *Client) StreamChat(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	msgs, err := c.convertMessages(req)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    openai.ChatModel(req.ModelName),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			def := openai.FunctionDefinitionParam{
				Name:       spec.Name,
				Parameters: openai.FunctionParameters(spec.ParamSchema()),
			}
			if spec.Description != "" {
				def.Description = openai.String(spec.Description)
			}
			tools = append(tools, openai.ChatCompletionFunctionTool(def))
		}
		params.Tools = tools
	}

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	return &chatStream{stream: stream, name: c.name, reasoning: c.reasoning}, nil
}

func (c *Client) convertMessages(req *llm.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	system, rest := message.CombineSystem(req.Messages, req.SystemMessage)

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(rest)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range rest {
		switch msg.Role {
		case message.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case message.RoleAssistant:
			if !msg.HasToolCall() {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			args := msg.ToolArgs
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: []openai.ChatCompletionMessageToolCallUnionParam{{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: msg.ToolCallID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      msg.ToolName,
							Arguments: args,
						},
					},
				}},
			}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case message.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return nil, fmt.Errorf("%s: unsupported role %q: %w", c.name, msg.Role, relayerrors.ErrMalformedRequest)
		}
	}
	return out, nil
}

// StreamFIM opens a streaming legacy completion with a suffix.
func (c *Client) StreamFIM(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	if req.FIM.Empty() {
		return nil, fmt.Errorf("%s: empty fill-in-middle input: %w", c.name, relayerrors.ErrMalformedRequest)
	}
	params := openai.CompletionNewParams{
		Model:  openai.CompletionNewParamsModel(req.ModelName),
		Prompt: openai.CompletionNewParamsPromptUnion{OfString: openai.String(req.FIM.Prefix)},
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.FIM.Suffix != "" {
		params.Suffix = openai.String(req.FIM.Suffix)
	}
	if len(req.FIM.Stop) > 0 {
		params.Stop = openai.CompletionNewParamsStopUnion{OfStringArray: req.FIM.Stop}
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	stream := c.sdk.Completions.NewStreaming(ctx, params)
	return &fimStream{stream: stream, name: c.name}, nil
}

// ListModels enumerates the backend's models.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	pager := c.sdk.Models.ListAutoPaging(ctx)
	var models []llm.Model
	for pager.Next() {
		m := pager.Current()
		models = append(models, llm.Model{ID: m.ID, Provider: c.name, OwnedBy: m.OwnedBy})
	}
	if err := pager.Err(); err != nil {
		return nil, mapError(c.name, err)
	}
	return models, nil
}

type chatStream struct {
	stream    *ssestream.Stream[openai.ChatCompletionChunk]
	name      string
	reasoning []string
	queue     provider.ChunkQueue
	done      bool
}

func (s *chatStream) Recv() (llm.Chunk, error) {
	for {
		if c, ok := s.queue.Pop(); ok {
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return llm.Chunk{}, mapError(s.name, err)
			}
			continue
		}
		s.decode(s.stream.Current())
	}
}

func (s *chatStream) decode(chunk openai.ChatCompletionChunk) {
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta
		if len(s.reasoning) > 0 {
			raw := delta.RawJSON()
			for _, field := range s.reasoning {
				if r := gjson.Get(raw, field); r.Type == gjson.String && r.String() != "" {
					s.queue.Push(llm.Chunk{ReasoningDelta: r.String()})
					break
				}
			}
		}
		s.queue.Push(llm.Chunk{TextDelta: delta.Content})
		for _, tc := range delta.ToolCalls {
			s.queue.Push(llm.Chunk{ToolCallDelta: &llm.ToolCallDelta{
				Index:          int(tc.Index),
				ID:             tc.ID,
				NameDelta:      tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}})
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		s.queue.Push(llm.Chunk{Usage: &llm.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}})
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

type fimStream struct {
	stream *ssestream.Stream[openai.Completion]
	name   string
	queue  provider.ChunkQueue
	done   bool
}

func (s *fimStream) Recv() (llm.Chunk, error) {
	for {
		if c, ok := s.queue.Pop(); ok {
			return c, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return llm.Chunk{}, mapError(s.name, err)
			}
			continue
		}
		completion := s.stream.Current()
		for _, choice := range completion.Choices {
			s.queue.Push(llm.Chunk{TextDelta: choice.Text})
		}
		if completion.Usage.TotalTokens > 0 {
			s.queue.Push(llm.Chunk{Usage: &llm.Usage{
				PromptTokens:     int(completion.Usage.PromptTokens),
				CompletionTokens: int(completion.Usage.CompletionTokens),
				TotalTokens:      int(completion.Usage.TotalTokens),
			}})
		}
	}
}

func (s *fimStream) Close() error {
	return s.stream.Close()
}

// mapError converts SDK errors into relay error kinds. Cancellation passes through untouched.
func mapError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" && apiErr.Response != nil {
			msg = apiErr.Response.Status
		}
		return relayerrors.FromStatus(name, apiErr.StatusCode, msg, err)
	}
	return relayerrors.Backend(name, err)
}
