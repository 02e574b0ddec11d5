// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	// HTTP server
	Host string
	Port int

	// Redis backs both the event log and the broadcast bus.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LLM provider
	LLMBaseURL string

	// Generation
	StreamThrottle    time.Duration
	ContextWindow     int
	GenerationTimeout time.Duration

	// Event retention
	EventTTL        time.Duration
	CleanupInterval time.Duration

	// WebSocket write timeout
	WriteTimeout time.Duration

	// Graceful shutdown budget
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	port, err := intFromEnv("PORT", 8080)
	if err != nil {
		return nil, err
	}
	redisDB, err := intFromEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	contextWindow, err := intFromEnv("GENERATION_CONTEXT_WINDOW", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:          getEnvOrDefault("HOST", "0.0.0.0"),
		Port:          port,
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		LLMBaseURL:    os.Getenv("OPENROUTER_BASE_URL"),
		ContextWindow: contextWindow,
	}

	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.StreamThrottle, "STREAM_THROTTLE", 100 * time.Millisecond},
		{&cfg.GenerationTimeout, "GENERATION_TIMEOUT", 5 * time.Minute},
		{&cfg.EventTTL, "EVENT_TTL", 7 * 24 * time.Hour},
		{&cfg.CleanupInterval, "CLEANUP_INTERVAL", 1 * time.Hour},
		{&cfg.WriteTimeout, "WS_WRITE_TIMEOUT", 10 * time.Second},
		{&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", 30 * time.Second},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, d.def)
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intFromEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationFromEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
