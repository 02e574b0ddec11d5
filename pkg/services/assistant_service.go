package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/models"
)

// AssistantService resolves assistants and model references.
type AssistantService struct {
	db *database.Client
}

// NewAssistantService creates a new AssistantService.
func NewAssistantService(db *database.Client) *AssistantService {
	return &AssistantService{db: db}
}

// GetAssistant returns an assistant by id, or ErrNotFound.
func (s *AssistantService) GetAssistant(ctx context.Context, assistantID string) (*models.Assistant, error) {
	if assistantID == "" {
		return nil, NewValidationError("assistant_id", "required")
	}

	row := s.db.Pool().QueryRow(ctx,
		`SELECT id, name, system_prompt, created_at FROM assistants WHERE id = $1`,
		assistantID,
	)

	var a models.Assistant
	if err := row.Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assistant: %w", err)
	}
	return &a, nil
}

// GetModel returns a model reference by id, or ErrNotFound.
func (s *AssistantService) GetModel(ctx context.Context, modelID string) (*models.ModelRef, error) {
	if modelID == "" {
		return nil, NewValidationError("model_id", "required")
	}

	row := s.db.Pool().QueryRow(ctx,
		`SELECT id, identifier, name, provider FROM model_refs WHERE id = $1`,
		modelID,
	)

	var m models.ModelRef
	if err := row.Scan(&m.ID, &m.Identifier, &m.Name, &m.Provider); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return &m, nil
}
