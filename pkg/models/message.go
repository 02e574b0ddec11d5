package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a thread's conversation.
// Assistant messages are created empty and filled in when generation
// completes; until then Content is "" and the usage fields are nil.
type Message struct {
	ID           string  `json:"id"`
	ThreadID     string  `json:"threadId"`
	Role         Role    `json:"role"`
	Content      string  `json:"content"`
	Model        string  `json:"model,omitempty"`
	InputTokens  *int    `json:"inputTokens,omitempty"`
	OutputTokens *int    `json:"outputTokens,omitempty"`
	TotalTokens  *int    `json:"totalTokens,omitempty"`
	FinishReason *string `json:"finishReason,omitempty"`

	// CreatedAt is the row creation time, not the time of any event
	// that carries this message as a snapshot.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateMessageRequest contains fields for creating a message.
type CreateMessageRequest struct {
	ThreadID string `json:"threadId"`
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
}

// FinalizeMessageRequest carries the final content and usage metadata
// written to an assistant message when its generation stream ends.
type FinalizeMessageRequest struct {
	MessageID    string
	Content      string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	FinishReason string
}
