package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/models"
)

// CredentialService manages provider API credentials.
type CredentialService struct {
	db *database.Client
}

// NewCredentialService creates a new CredentialService.
func NewCredentialService(db *database.Client) *CredentialService {
	return &CredentialService{db: db}
}

// ActiveCredential returns the user's active credential for a provider,
// or ErrNoCredential if none exists.
func (s *CredentialService) ActiveCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	if provider == "" {
		return nil, NewValidationError("provider", "required")
	}

	row := s.db.Pool().QueryRow(ctx,
		`SELECT id, user_id, provider, api_key, active, last_used_at, created_at
		 FROM provider_credentials
		 WHERE user_id = $1 AND provider = $2 AND active
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, provider,
	)

	var c models.ProviderCredential
	err := row.Scan(&c.ID, &c.UserID, &c.Provider, &c.APIKey, &c.Active, &c.LastUsedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// TouchCredential updates the credential's last-used timestamp.
// Callers treat failure as non-fatal.
func (s *CredentialService) TouchCredential(ctx context.Context, credentialID string) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE provider_credentials SET last_used_at = now() WHERE id = $1`,
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}
	return nil
}
