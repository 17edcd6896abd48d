// Package llm holds the backend-neutral request, stream chunk and result types shared by
// adapters, the dispatcher and the request manager.
package llm

import (
	"fmt"

	"github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/tool"
)

// MessagesType selects between a chat conversation and a fill-in-middle completion.
type MessagesType string

const (
	MessagesChat MessagesType = "chat"
	MessagesFIM  MessagesType = "fim"
)

// FIMInput is the text around the cursor for a fill-in-middle request.
type FIMInput struct {
	Prefix string   `json:"prefix"`
	Suffix string   `json:"suffix"`
	Stop   []string `json:"stop,omitempty"`
}

// Empty reports whether there is nothing to complete around.
func (f *FIMInput) Empty() bool {
	return f == nil || (f.Prefix == "" && f.Suffix == "")
}

// Request is a normalized generation request.
type Request struct {
	MessagesType  MessagesType       `json:"messages_type"`
	Messages      []*message.Message `json:"messages,omitempty"`
	SystemMessage string             `json:"system_message,omitempty"`
	Tools         []*tool.Spec       `json:"tools,omitempty"`
	FIM           *FIMInput          `json:"fim,omitempty"`
	ProviderName  string             `json:"provider"`
	ModelName     string             `json:"model"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
}

// IsFIM reports whether r is a fill-in-middle request.
func (r *Request) IsFIM() bool {
	return r != nil && r.MessagesType == MessagesFIM
}

// Validate rejects requests that must never reach a backend. Every error wraps
// errors.ErrMalformedRequest.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("nil request: %w", errors.ErrMalformedRequest)
	}
	switch r.MessagesType {
	case MessagesChat, "":
		if len(r.Messages) == 0 {
			return fmt.Errorf("no messages: %w", errors.ErrMalformedRequest)
		}
		for i, msg := range r.Messages {
			if msg == nil || !msg.Role.Valid() {
				return fmt.Errorf("message %d has an invalid role: %w", i, errors.ErrMalformedRequest)
			}
		}
	case MessagesFIM:
		if r.FIM.Empty() {
			return fmt.Errorf("fim request without prefix or suffix: %w", errors.ErrMalformedRequest)
		}
	default:
		return fmt.Errorf("unknown messages type %q: %w", r.MessagesType, errors.ErrMalformedRequest)
	}
	if r.ProviderName == "" {
		return fmt.Errorf("no provider selected: %w", errors.ErrMalformedRequest)
	}
	if r.ModelName == "" {
		return fmt.Errorf("no model selected for %s: %w", r.ProviderName, errors.ErrMalformedRequest)
	}
	for _, spec := range r.Tools {
		if spec == nil || spec.Name == "" {
			return fmt.Errorf("tool without a name: %w", errors.ErrMalformedRequest)
		}
	}
	return nil
}

// Clone returns a copy whose message slice can be rewritten freely.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Messages = message.CloneMessages(r.Messages)
	if r.Tools != nil {
		cloned.Tools = append([]*tool.Spec(nil), r.Tools...)
	}
	if r.FIM != nil {
		fim := *r.FIM
		cloned.FIM = &fim
	}
	return &cloned
}

// ToolCallDelta is one fragment of a natively streamed tool call. Fragments sharing an
// Index belong to the same call.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	NameDelta      string `json:"name_delta,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// Usage reports token counts. Estimated is set when the numbers come from a local tokenizer.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Chunk is a single incremental unit emitted by an adapter stream.
type Chunk struct {
	TextDelta      string         `json:"text_delta,omitempty"`
	ReasoningDelta string         `json:"reasoning_delta,omitempty"`
	ToolCallDelta  *ToolCallDelta `json:"tool_call_delta,omitempty"`
	Usage          *Usage         `json:"usage,omitempty"`
	IsComplete     bool           `json:"is_complete,omitempty"`
}

// RawToolCall is a tool invocation assembled from the stream.
//
// Arguments is the raw text received so far. RawParams maps each parameter to its value
// (strings verbatim, anything else JSON encoded). DoneParamNames only grows and IsDone
// flips to true once.
type RawToolCall struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Arguments      string            `json:"arguments"`
	RawParams      map[string]string `json:"raw_params"`
	DoneParamNames []string          `json:"done_param_names"`
	IsDone         bool              `json:"is_done"`
}

// Clone returns a deep copy of c.
func (c *RawToolCall) Clone() *RawToolCall {
	if c == nil {
		return nil
	}
	cloned := *c
	if c.RawParams != nil {
		cloned.RawParams = make(map[string]string, len(c.RawParams))
		for k, v := range c.RawParams {
			cloned.RawParams[k] = v
		}
	}
	cloned.DoneParamNames = append([]string(nil), c.DoneParamNames...)
	return &cloned
}

// Result is the terminal outcome of a successful stream.
type Result struct {
	FullText      string       `json:"full_text"`
	FullReasoning string       `json:"full_reasoning"`
	ToolCall      *RawToolCall `json:"tool_call,omitempty"`
	Usage         *Usage       `json:"usage,omitempty"`
}

// Model describes a model offered by a backend.
type Model struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
	OwnedBy  string `json:"owned_by,omitempty"`
}
