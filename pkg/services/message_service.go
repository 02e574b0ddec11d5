package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/models"
)

// MessageService manages thread conversation messages.
type MessageService struct {
	db *database.Client
}

// NewMessageService creates a new MessageService.
func NewMessageService(db *database.Client) *MessageService {
	return &MessageService{db: db}
}

const messageColumns = `id, thread_id, role, content, model,
	input_tokens, output_tokens, total_tokens, finish_reason,
	created_at, updated_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.Model,
		&m.InputTokens, &m.OutputTokens, &m.TotalTokens, &m.FinishReason,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage creates a new message. Content may be empty — assistant
// placeholders are created empty and finalized later.
func (s *MessageService) CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	if req.ThreadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if req.Role == "" {
		return nil, NewValidationError("role", "required")
	}

	now := time.Now()
	m := &models.Message{
		ID:        uuid.New().String(),
		ThreadID:  req.ThreadID,
		Role:      req.Role,
		Content:   req.Content,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.Model, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

// FinalizeMessage writes the final content and usage metadata to an
// assistant message and returns the updated row.
func (s *MessageService) FinalizeMessage(ctx context.Context, req models.FinalizeMessageRequest) (*models.Message, error) {
	if req.MessageID == "" {
		return nil, NewValidationError("message_id", "required")
	}

	row := s.db.Pool().QueryRow(ctx,
		`UPDATE messages
		 SET content = $2, input_tokens = $3, output_tokens = $4,
		     total_tokens = $5, finish_reason = $6, updated_at = now()
		 WHERE id = $1
		 RETURNING `+messageColumns,
		req.MessageID, req.Content, req.InputTokens, req.OutputTokens,
		req.TotalTokens, req.FinishReason,
	)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to finalize message: %w", err)
	}
	return m, nil
}

// ListRecentMessages returns up to limit messages in the thread in
// ascending creation order, excluding excludeID (the message that
// triggered the current generation). Used to build LLM context.
func (s *MessageService) ListRecentMessages(ctx context.Context, threadID, excludeID string, limit int) ([]*models.Message, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if limit <= 0 {
		return nil, NewValidationError("limit", "must be positive")
	}

	// Newest-first limited query, reversed in memory to ascending order.
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE thread_id = $1 AND id <> $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		threadID, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
