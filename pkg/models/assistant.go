package models

import "time"

// Assistant is a reusable persona: a name plus the system prompt sent
// ahead of the conversation history on every generation.
type Assistant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"systemPrompt"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ModelRef maps a model id used by clients to the identifier the
// provider expects (e.g. "anthropic/claude-sonnet-4").
type ModelRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Provider   string `json:"provider"`
}
