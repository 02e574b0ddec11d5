package models

import "time"

// ProviderOpenRouter is the provider key for OpenRouter credentials.
const ProviderOpenRouter = "openrouter"

// ProviderCredential is a user-supplied API key for an LLM provider.
// Only active credentials are eligible for generation.
type ProviderCredential struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Provider   string     `json:"provider"`
	APIKey     string     `json:"-"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}
