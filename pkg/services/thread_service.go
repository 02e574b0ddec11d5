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

// ThreadService manages conversation threads.
type ThreadService struct {
	db *database.Client
}

// NewThreadService creates a new ThreadService.
func NewThreadService(db *database.Client) *ThreadService {
	return &ThreadService{db: db}
}

// GetThread returns the thread only if it exists, is not deleted, and is
// owned by userID. A thread owned by someone else is reported as not
// found rather than forbidden, so thread ids don't leak existence.
func (s *ThreadService) GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error) {
	if threadID == "" {
		return nil, NewValidationError("thread_id", "required")
	}
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	row := s.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, title, created_at, deleted_at
		 FROM threads
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`,
		threadID, userID,
	)

	var t models.Thread
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt, &t.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// CreateThread creates a new thread owned by userID.
func (s *ThreadService) CreateThread(ctx context.Context, userID, title string) (*models.Thread, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}

	t := &models.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Pool().Exec(ctx,
		`INSERT INTO threads (id, user_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.UserID, t.Title, t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return t, nil
}

// CanSubscribe reports whether userID may subscribe to threadID's events.
// Implements the authorizer consumed by the events connection manager.
func (s *ThreadService) CanSubscribe(ctx context.Context, userID, threadID string) error {
	_, err := s.GetThread(ctx, threadID, userID)
	return err
}
