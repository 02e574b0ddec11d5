package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-chat/parley/pkg/eventlog"
)

// Log is the durable, replayable event store consumed by the publisher
// and by subscription sessions. Implemented by eventlog.Store.
type Log interface {
	Append(ctx context.Context, channel string, timestamp int64, payload []byte) (uint64, error)
	Range(ctx context.Context, channel string, fromExclusive int64) ([]eventlog.Entry, error)
}

// Bus is the broadcast side of delivery. Implemented by BusAdapter
// over bus.Bus.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one listener's handle on a bus channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Publisher appends envelopes to the event log and broadcasts them on
// the bus, always in that order. A failed append is a lost replay
// entry — logged, never fatal — and the live broadcast is still
// attempted so connected clients keep receiving.
type Publisher struct {
	log Log
	bus Bus
	now func() time.Time
}

// NewPublisher creates a Publisher over the shared log and bus.
func NewPublisher(log Log, bus Bus) *Publisher {
	return &Publisher{log: log, bus: bus, now: time.Now}
}

// Publish stamps, appends, and broadcasts an envelope. The bus copy
// carries the log sequence when the append succeeded, so sessions can
// dedup the replay/live boundary. Returns the first error encountered;
// callers treat it as degradation, not failure.
func (p *Publisher) Publish(ctx context.Context, channel string, env *Envelope) error {
	if env.Timestamp == 0 {
		env.Timestamp = p.now().UnixMilli()
	}
	env.LogSeq = 0 // never logged; injected below for the bus copy only

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}

	var firstErr error
	seq, err := p.log.Append(ctx, channel, env.Timestamp, payload)
	if err != nil {
		// Lost from the replay log. Acceptable degradation, but never silent.
		slog.Warn("Event log append failed — event lost from replay log",
			"channel", channel, "type", env.Type, "error", err)
		firstErr = err
	} else {
		env.LogSeq = seq
		payload, err = json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
		}
	}

	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		slog.Warn("Bus publish failed — live subscribers missed event",
			"channel", channel, "type", env.Type, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
