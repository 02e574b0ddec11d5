package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("content", "must not be empty")
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "content")
	assert.Contains(t, err.Error(), "must not be empty")

	wrapped := fmt.Errorf("submit failed: %w", err)
	assert.True(t, IsValidationError(wrapped))

	assert.False(t, IsValidationError(errors.New("plain")))
	assert.False(t, IsValidationError(ErrNotFound))
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNoCredential, ErrNotFound))
	assert.False(t, errors.Is(ErrInvalidInput, ErrNotFound))
}
