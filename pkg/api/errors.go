package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parley-chat/parley/pkg/generation"
	"github.com/parley-chat/parley/pkg/services"
)

// abortWithServiceError maps service-layer errors to HTTP error responses.
func abortWithServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrNoCredential):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no active provider credential"})
	case errors.Is(err, generation.ErrShuttingDown):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service is shutting down"})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
