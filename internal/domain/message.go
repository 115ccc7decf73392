package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn held in the session's message list.
// A message with Streaming=true is the one still-growing assistant turn;
// at most one such message exists at any time.
type Message struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Streaming  bool      `json:"streaming,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
}

// Usage tracks token consumption reported by the gateway on a terminal
// chat event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ConnectionStatus is the lifecycle state of the gateway connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState pairs the connection status with an optional error
// description. Err is also populated on a disconnected state when the
// close was not a normal closure, so callers can tell a voluntary
// disconnect from a dropped connection.
type ConnectionState struct {
	Status ConnectionStatus `json:"status"`
	Err    string           `json:"error,omitempty"`
}
