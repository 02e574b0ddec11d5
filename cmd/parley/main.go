// Parley server — chat thread API, assistant message generation, and
// real-time event delivery over WebSocket.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/parley-chat/parley/pkg/api"
	"github.com/parley-chat/parley/pkg/bus"
	"github.com/parley-chat/parley/pkg/cleanup"
	"github.com/parley-chat/parley/pkg/config"
	"github.com/parley-chat/parley/pkg/database"
	"github.com/parley-chat/parley/pkg/eventlog"
	"github.com/parley-chat/parley/pkg/events"
	"github.com/parley-chat/parley/pkg/generation"
	"github.com/parley-chat/parley/pkg/llm"
	"github.com/parley-chat/parley/pkg/services"
	"github.com/parley-chat/parley/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting parley", "version", version.Full(), "addr", cfg.Addr())

	ctx := context.Background()

	// 1. Database (runs migrations on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 2. Redis backs both the event log and the broadcast bus
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

	// 3. Domain services
	threadService := services.NewThreadService(dbClient)
	messageService := services.NewMessageService(dbClient)
	credentialService := services.NewCredentialService(dbClient)
	assistantService := services.NewAssistantService(dbClient)

	// 4. Event delivery pipeline
	logCfg := eventlog.DefaultConfig()
	logCfg.TTL = cfg.EventTTL
	eventLog := eventlog.New(redisClient, logCfg)
	eventBus := events.NewBusAdapter(bus.New(redisClient, bus.DefaultConfig()))
	publisher := events.NewPublisher(eventLog, eventBus)
	connManager := events.NewConnectionManager(eventLog, eventBus, threadService, cfg.WriteTimeout)
	slog.Info("Event delivery pipeline initialized")

	// 5. Generation executor
	llmClient := llm.NewClient(cfg.LLMBaseURL)
	executor := generation.NewExecutor(
		messageService, credentialService, assistantService, publisher, llmClient,
		generation.Config{
			StreamThrottle:    cfg.StreamThrottle,
			ContextWindow:     cfg.ContextWindow,
			GenerationTimeout: cfg.GenerationTimeout,
		},
	)
	slog.Info("Generation executor initialized")

	// 6. Event log retention
	cleanupService := cleanup.NewService(eventLog, cfg.EventTTL, cfg.CleanupInterval)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 7. HTTP server
	server := api.NewServer(dbClient, redisClient, threadService, executor, connManager)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop accepting work, then drain generations
	// so every placeholder gets its terminal event, then stop HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		executor.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Generation executor stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Executor shutdown timeout exceeded")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
