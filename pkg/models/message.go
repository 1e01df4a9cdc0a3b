// Package models defines the shared data types that cross package
// boundaries: conversation messages, tool calls, and sessions.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the surface a message arrived through. The
// channel name participates in authority resolution, so values here must
// match the tier table keys in configuration.
type ChannelType string

const (
	ChannelCLI       ChannelType = "cli"
	ChannelLocal     ChannelType = "local"
	ChannelDirect    ChannelType = "direct"
	ChannelTelegram  ChannelType = "telegram"
	ChannelDiscord   ChannelType = "discord"
	ChannelSlack     ChannelType = "slack"
	ChannelWebSocket ChannelType = "websocket"
)

// Role indicates the message author type within a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation history. An assistant message
// that carries tool calls has empty Content; a tool message carries the
// results bound to a prior assistant message's calls.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasToolCalls reports whether this is an assistant message with pending
// tool calls. Such messages must have their Content treated as null when
// sent to restricted-shape providers.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool execution, bound to its call by ID.
// Data carries the structured payload; Content is the string form shown to
// the model.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	Data       map[string]any `json:"data,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// Session identifies one conversation: a (channel, user) pair with its own
// history and agent loop.
type Session struct {
	ID        string      `json:"id"`
	Channel   ChannelType `json:"channel"`
	UserID    string      `json:"user_id"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Inbound is a message delivered by a channel adapter to the gateway.
type Inbound struct {
	Channel ChannelType `json:"channel"`
	UserID  string      `json:"user_id"`
	Text    string      `json:"text"`
}

// Outbound is the reply handed back to the channel adapter.
type Outbound struct {
	ReplyText   string   `json:"reply_text"`
	Attachments []string `json:"attachments,omitempty"`
}
