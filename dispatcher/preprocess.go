package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sweetpotato0/ai-relay/extractor"
	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/provider"
	"github.com/sweetpotato0/ai-relay/tool"
)

// Prepare adapts req to what the backend can express. The input is never modified.
//
// Without native tools the tool specs move into the system prompt together with the tagged
// calling convention, tool results become user messages and replayed calls become tagged
// assistant text. Without a system channel the system prompt is folded into the first user
// message.
func Prepare(req *llm.Request, caps provider.Capabilities, tags extractor.Config) *llm.Request {
	out := req.Clone()
	if out.IsFIM() {
		return out
	}

	if !caps.Has(provider.NativeTools) {
		if len(out.Tools) > 0 && tags.ToolOpen != "" {
			out.SystemMessage = joinNonEmpty(out.SystemMessage, ToolInstructions(out.Tools, tags))
		}
		out.Tools = nil
		out.Messages = inlineToolMessages(out.Messages, tags)
	}

	if !caps.Has(provider.SystemMessage) {
		system, rest := message.CombineSystem(out.Messages, out.SystemMessage)
		out.Messages = message.PrependToFirstUser(system, rest)
		out.SystemMessage = ""
	}
	return out
}

// ToolInstructions renders specs and the calling convention for backends without native tools.
func ToolInstructions(specs []*tool.Spec, tags extractor.Config) string {
	var b strings.Builder
	b.WriteString("You can call one of the tools listed below. To call a tool, reply with exactly one block of the form\n")
	fmt.Fprintf(&b, "%s{\"name\": \"<tool name>\", \"args\": {<arguments as JSON>}}%s\n", tags.ToolOpen, tags.ToolClose)
	b.WriteString("Call at most one tool per response and stop after the block. ")
	b.WriteString("The result arrives in the next user message inside <tool_result name=\"<tool name>\">...</tool_result>.\n\n")
	b.WriteString("Available tools:\n")
	for _, spec := range specs {
		if spec == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s", spec.Name)
		if spec.Description != "" {
			fmt.Fprintf(&b, ": %s", spec.Description)
		}
		b.WriteByte('\n')
		if schema, err := json.Marshal(spec.ParamSchema()); err == nil {
			fmt.Fprintf(&b, "  parameters: %s\n", schema)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ToolResult wraps the output of a tool run for a backend without native tools.
func ToolResult(name, content string) string {
	return fmt.Sprintf("<tool_result name=%q>\n%s\n</tool_result>", name, content)
}

func inlineToolMessages(msgs []*message.Message, tags extractor.Config) []*message.Message {
	for i, msg := range msgs {
		switch {
		case msg.Role == message.RoleTool:
			msgs[i] = message.NewMessage(message.RoleUser, ToolResult(msg.ToolName, msg.Content))
		case msg.HasToolCall():
			args := strings.TrimSpace(msg.ToolArgs)
			if args == "" {
				args = "{}"
			}
			call := fmt.Sprintf("%s{\"name\": %q, \"args\": %s}%s", tags.ToolOpen, msg.ToolName, args, tags.ToolClose)
			msgs[i] = message.NewMessage(message.RoleAssistant, joinNonEmpty(msg.Content, call))
		}
	}
	return msgs
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
