// Package domain defines the core domain models for chatbridge.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation. Once appended to the log it is
// never mutated; prune and export are the only operations that touch history.
type Message struct {
	MessageID string           `json:"message_id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Backend   string           `json:"backend,omitempty"`
	Model     string           `json:"model,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata carries optional generation details attached to a message.
type MessageMetadata struct {
	Usage      *Usage   `json:"usage,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Truncated  bool     `json:"truncated,omitempty"`
	Recovered  bool     `json:"recovered,omitempty"`
	Error      bool     `json:"error,omitempty"`
}

// Usage is token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ConversationInfo is the list-view summary of a stored conversation.
type ConversationInfo struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name,omitempty"`
	MessageCount   int       `json:"message_count"`
	LastUpdated    time.Time `json:"last_updated"`
}

// GenerationState marks a conversation as having an in-flight generation.
// It is durable and visible to every process sharing the same database.
type GenerationState struct {
	ConversationID string    `json:"conversation_id"`
	Backend        string    `json:"backend"`
	StartedAt      time.Time `json:"started_at"`
}

// BackendStatus is the result of one availability probe. It is recomputed on
// demand and never persisted.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ProcessStatus reports whether a conversation has a registered process or
// session and whether it is still running.
type ProcessStatus struct {
	HasProcess bool `json:"has_process"`
	Running    bool `json:"running"`
}

// Fragment is one element of the streamed chat response. The stream is a
// sequence of JSON fragments terminated by a literal [DONE] line.
type Fragment struct {
	Content               string `json:"content,omitempty"`
	Done                  bool   `json:"done,omitempty"`
	Error                 string `json:"error,omitempty"`
	Usage                 *Usage `json:"usage,omitempty"`
	SessionContinuationID string `json:"sessionContinuationId,omitempty"`
}

// ChatRequest is the external request to produce one assistant turn.
// Settings stays raw so legacy flat payloads can be migrated exactly once,
// by NormalizeSettings at the service boundary.
type ChatRequest struct {
	ConversationID        string          `json:"conversation_id"`
	Content               string          `json:"content"`
	Backend               string          `json:"backend"`
	Model                 string          `json:"model,omitempty"`
	Settings              json.RawMessage `json:"settings,omitempty"`
	WorkingDir            string          `json:"working_dir,omitempty"`
	SessionContinuationID string          `json:"session_continuation_id,omitempty"`
}

// Turn is a context-builder output message handed to a backend adapter.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Backend string `json:"backend,omitempty"`
}
