// Package cleanup provides event log retention enforcement.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Pruner removes logged events older than a cutoff. Implemented by
// eventlog.Store.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically prunes event log entries past their retention
// window. Per-key TTLs handle idle threads; this loop catches channels
// that stay hot long enough for their TTL to keep being refreshed.
// Pruning is idempotent and safe to run from multiple pods.
type Service struct {
	pruner   Pruner
	ttl      time.Duration
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(pruner Pruner, ttl, interval time.Duration) *Service {
	return &Service{
		pruner:   pruner,
		ttl:      ttl,
		interval: interval,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started", "event_ttl", s.ttl, "interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.prune(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	count, err := s.pruner.PruneOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event log prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned logged events", "count", count)
	}
}
