// Package api exposes the HTTP and WebSocket surface of the service.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/events"
	"github.com/parley-chat/parley/pkg/generation"
	"github.com/parley-chat/parley/pkg/models"
)

// Generator submits message generation requests.
// Implemented by generation.Executor.
type Generator interface {
	Submit(ctx context.Context, input generation.SubmitInput) (*generation.SubmitResult, error)
}

// ThreadStore is the thread access surface handlers need.
// Implemented by services.ThreadService.
type ThreadStore interface {
	GetThread(ctx context.Context, threadID, userID string) (*models.Thread, error)
	CreateThread(ctx context.Context, userID, title string) (*models.Thread, error)
}

// Server wires handlers to their dependencies.
type Server struct {
	db          *database.Client
	redisClient *redis.Client
	threads     ThreadStore
	generator   Generator
	connManager *events.ConnectionManager
}

// NewServer creates an API server.
func NewServer(
	db *database.Client,
	redisClient *redis.Client,
	threads ThreadStore,
	generator Generator,
	connManager *events.ConnectionManager,
) *Server {
	return &Server{
		db:          db,
		redisClient: redisClient,
		threads:     threads,
		generator:   generator,
		connManager: connManager,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/health", s.healthHandler)

	v1 := router.Group("/api/v1", requireUser())
	{
		v1.POST("/threads", s.createThreadHandler)
		v1.GET("/threads/:id", s.getThreadHandler)
		v1.POST("/threads/:id/messages", s.sendMessageHandler)
		v1.GET("/ws", s.wsHandler)
	}

	return router
}
