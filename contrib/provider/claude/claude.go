package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/provider"
)

const (
	name             = "claude"
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096

	// OptionThinkingBudget enables extended thinking with the given token budget.
	OptionThinkingBudget = "thinking_budget"
)

// Adapter implements provider.Adapter for Anthropic Claude.
type Adapter struct{}

// New creates the Claude adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return name }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Chat | provider.ListModels | provider.NativeTools | provider.NativeReasoning | provider.SystemMessage
}

func (a *Adapter) DefaultModels() []string {
	return []string{defaultModel, "claude-opus-4-1-20250805", "claude-3-5-haiku-20241022"}
}

// NewClient builds an SDK client for settings.
func (a *Adapter) NewClient(settings provider.Settings) (provider.Client, error) {
	options := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithHTTPClient(settings.Client()),
		option.WithMaxRetries(settings.IntOption("max_retries", 0)),
	}
	if settings.BaseURL != "" {
		options = append(options, option.WithBaseURL(settings.BaseURL))
	}
	for k, v := range settings.Headers {
		options = append(options, option.WithHeader(k, v))
	}

	return &Client{
		sdk:            anthropic.NewClient(options...),
		thinkingBudget: settings.IntOption(OptionThinkingBudget, 0),
	}, nil
}

// Client streams from the Anthropic messages API.
type Client struct {
	sdk            anthropic.Client
	thinkingBudget int
}

// StreamChat opens a streaming messages request.
func (c *Client) StreamChat(ctx context.Context, req *llm.Request) (provider.Stream, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.sdk.Messages.NewStreaming(ctx, params)
	return &chatStream{stream: stream}, nil
}

func (c *Client) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	system, rest := message.CombineSystem(req.Messages, req.SystemMessage)
	msgs, err := convertMessages(rest)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.ModelName
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if c.thinkingBudget > 0 {
		budget := int64(c.thinkingBudget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + defaultMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tp := &anthropic.ToolParam{
				Name: spec.Name,
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.Properties(),
					Required:   spec.RequiredParams(),
				},
			}
			if spec.Description != "" {
				tp.Description = anthropic.String(spec.Description)
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: tp})
		}
		params.Tools = tools
	}
	return params, nil
}

func convertMessages(msgs []*message.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var (
			role   anthropic.MessageParamRole
			blocks []anthropic.ContentBlockParamUnion
		)
		switch msg.Role {
		case message.RoleUser:
			role = anthropic.MessageParamRoleUser
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		case message.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if msg.HasToolCall() {
				var input any = map[string]any{}
				if strings.TrimSpace(msg.ToolArgs) != "" {
					input = json.RawMessage(msg.ToolArgs)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(msg.ToolCallID, input, msg.ToolName))
			}
			if len(blocks) == 0 {
				continue
			}
		case message.RoleTool:
			role = anthropic.MessageParamRoleUser
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			return nil, fmt.Errorf("%s: unsupported role %q: %w", name, msg.Role, relayerrors.ErrMalformedRequest)
		}

		// the API requires alternating roles
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out, nil
}

// ListModels enumerates available models.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	pager := c.sdk.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	var models []llm.Model
	for pager.Next() {
		m := pager.Current()
		models = append(models, llm.Model{ID: m.ID, Provider: name, Name: m.DisplayName})
	}
	if err := pager.Err(); err != nil {
		return nil, mapError(err)
	}
	return models, nil
}

type chatStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	queue  provider.ChunkQueue
	usage  llm.Usage
	done   bool
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
				return llm.Chunk{}, mapError(err)
			}
			continue
		}
		s.decode(s.stream.Current())
	}
}

func (s *chatStream) decode(event anthropic.MessageStreamEventUnion) {
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		s.usage.PromptTokens = int(start.Message.Usage.InputTokens)
	case "content_block_start":
		start := event.AsContentBlockStart()
		if start.ContentBlock.Type == "tool_use" {
			s.queue.Push(llm.Chunk{ToolCallDelta: &llm.ToolCallDelta{
				Index:     int(start.Index),
				ID:        start.ContentBlock.ID,
				NameDelta: start.ContentBlock.Name,
			}})
		}
	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			s.queue.Push(llm.Chunk{TextDelta: delta.Delta.Text})
		case "thinking_delta":
			s.queue.Push(llm.Chunk{ReasoningDelta: delta.Delta.Thinking})
		case "input_json_delta":
			if delta.Delta.PartialJSON != "" {
				s.queue.Push(llm.Chunk{ToolCallDelta: &llm.ToolCallDelta{
					Index:          int(delta.Index),
					ArgumentsDelta: delta.Delta.PartialJSON,
				}})
			}
		}
	case "message_delta":
		md := event.AsMessageDelta()
		s.usage.CompletionTokens = int(md.Usage.OutputTokens)
	case "message_stop":
		s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
		if s.usage.TotalTokens > 0 {
			usage := s.usage
			s.queue.Push(llm.Chunk{Usage: &usage})
		}
	}
}

func (s *chatStream) Close() error {
	return s.stream.Close()
}

// mapError converts SDK errors into relay error kinds. Cancellation passes through untouched.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := provider.ErrorMessage("application/json", []byte(apiErr.RawJSON()))
		return relayerrors.FromStatus(name, apiErr.StatusCode, msg, err)
	}
	return relayerrors.Backend(name, err)
}
