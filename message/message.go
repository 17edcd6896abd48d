package message

import "strings"

// Role represents the role of the message sender
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single normalized conversation message.
//
// Tool messages carry the result of a tool run in Content and name the call they answer with
// ToolName/ToolCallID. An assistant message that replays an earlier tool invocation sets
// ToolName, ToolCallID and ToolArgs (raw JSON object).
type Message struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
}

// NewMessage creates a new message with the given role and content
func NewMessage(role Role, content string) *Message {
	return &Message{Role: role, Content: content}
}

// NewToolResultMessage creates a tool response message
func NewToolResultMessage(toolName, toolCallID, content string) *Message {
	return &Message{
		Role:       RoleTool,
		Content:    content,
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

// NewToolCallMessage creates an assistant message replaying a tool invocation
func NewToolCallMessage(content, toolName, toolCallID, args string) *Message {
	return &Message{
		Role:       RoleAssistant,
		Content:    content,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		ToolArgs:   args,
	}
}

// HasToolCall reports whether an assistant message replays a tool invocation.
func (m *Message) HasToolCall() bool {
	return m != nil && m.Role == RoleAssistant && m.ToolName != ""
}

// Clone creates a copy of the message.
func Clone(msg *Message) *Message {
	if msg == nil {
		return nil
	}
	cloned := *msg
	return &cloned
}

// CloneMessages copies a slice of messages.
func CloneMessages(msgs []*Message) []*Message {
	if len(msgs) == 0 {
		return nil
	}
	clones := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		clones = append(clones, Clone(msg))
	}
	return clones
}

// CombineSystem joins every system message (and extra, when non-empty) into one system prompt
// and returns the remaining messages in their original order.
func CombineSystem(msgs []*Message, extra ...string) (string, []*Message) {
	var parts []string
	rest := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if msg.Role == RoleSystem {
			if strings.TrimSpace(msg.Content) != "" {
				parts = append(parts, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	for _, e := range extra {
		if strings.TrimSpace(e) != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "\n\n"), rest
}

// PrependToFirstUser folds system into the first user message, for backends without a
// separate system channel. msgs is not modified.
func PrependToFirstUser(system string, msgs []*Message) []*Message {
	out := CloneMessages(msgs)
	if strings.TrimSpace(system) == "" {
		return out
	}
	for _, msg := range out {
		if msg.Role == RoleUser {
			msg.Content = system + "\n\n" + msg.Content
			return out
		}
	}
	return append([]*Message{NewMessage(RoleUser, system)}, out...)
}
