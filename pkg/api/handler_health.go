package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/version"
)

// healthHandler reports connectivity to Postgres and Redis plus the
// active WebSocket connection count.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "healthy", "version": version.Full()}
	if s.connManager != nil {
		body["ws_connections"] = s.connManager.ActiveConnections()
	}

	dbHealth, err := database.Health(ctx, s.db.Pool())
	body["database"] = dbHealth
	if err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}

	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		body["redis"] = gin.H{"status": "healthy"}
	}

	c.JSON(status, body)
}
