// Package groq registers Groq's OpenAI-compatible endpoint.
package groq

import (
	"github.com/sweetpotato0/ai-relay/contrib/provider/openai"
	"github.com/sweetpotato0/ai-relay/provider"
)

const groqAPIURL = "https://api.groq.com/openai/v1"

// Preset returns the Groq preset. Reasoning models emit <think> tags inline, so reasoning is
// left to tag extraction.
func Preset() openai.Preset {
	return openai.Preset{
		Name:    "groq",
		BaseURL: groqAPIURL,
		Caps:    provider.Chat | provider.ListModels | provider.NativeTools | provider.SystemMessage,
		Models: []string{
			"llama-3.3-70b-versatile",
			"llama-3.1-8b-instant",
			"deepseek-r1-distill-llama-70b",
			"qwen-qwq-32b",
		},
	}
}

// New creates the Groq adapter.
func New() *openai.Adapter {
	return openai.New(Preset())
}
