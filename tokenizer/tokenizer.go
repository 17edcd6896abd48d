// Package tokenizer estimates token usage for backends that do not report it.
package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/pkg/logging"
)

const (
	defaultEncoding = "cl100k_base"

	// per-message framing overhead used by chat models
	tokensPerMessage = 3
	replyPriming     = 3
)

// Counter counts the tokens of a text.
type Counter interface {
	Count(text string) int
}

// Tokenizer is a tiktoken encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New loads the encoding for model, or treats model as an encoding name.
func New(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// try by name
		enc, err = tiktoken.GetEncoding(model)
		if err != nil {
			return nil, err
		}
	}
	return &Tokenizer{enc: enc}, nil
}

func (t *Tokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tokenizer) Count(text string) int {
	return len(t.Encode(text))
}

func (t *Tokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// Approx counts roughly four characters per token. It is used when no encoding can be loaded.
type Approx struct{}

func (Approx) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

var (
	mu       sync.Mutex
	counters = map[string]Counter{}
)

// ForModel returns a cached counter for model. Models unknown to tiktoken share the
// cl100k_base encoding; when no encoding loads at all the approximate counter is used.
func ForModel(model string) Counter {
	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[model]; ok {
		return c
	}

	var c Counter
	if t, err := tiktoken.EncodingForModel(model); err == nil {
		c = &Tokenizer{enc: t}
	} else if t, err := New(defaultEncoding); err == nil {
		c = t
	} else {
		logging.WithComponent("tokenizer").Warn("falling back to approximate token counts", "model", model, "error", err)
		c = Approx{}
	}
	counters[model] = c
	return c
}

// CountMessages counts a chat prompt including per-message framing.
func CountMessages(c Counter, system string, msgs []*message.Message) int {
	total := replyPriming
	if system != "" {
		total += tokensPerMessage + c.Count(system)
	}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		total += tokensPerMessage + c.Count(string(msg.Role)) + c.Count(msg.Content)
		if msg.ToolName != "" {
			total += c.Count(msg.ToolName) + c.Count(msg.ToolArgs)
		}
	}
	return total
}

// Estimate builds a Usage for req and the generated output, marked as estimated.
func Estimate(c Counter, req *llm.Request, output string) *llm.Usage {
	var prompt int
	if req.IsFIM() {
		prompt = c.Count(req.FIM.Prefix) + c.Count(req.FIM.Suffix)
	} else {
		prompt = CountMessages(c, req.SystemMessage, req.Messages)
	}
	completion := c.Count(output)
	return &llm.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}
