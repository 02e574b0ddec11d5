// Package bus provides the broadcast publish/subscribe channel layer
// over Redis PUB/SUB. Delivery is best-effort and reaches only
// currently-subscribed listeners; the event log is the durable side.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the bus cannot be reached or the
// circuit breaker is open.
var ErrUnavailable = errors.New("pub/sub bus unavailable")

// Config holds bus settings.
type Config struct {
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Bus is the shared, long-lived pub/sub client. Safe for concurrent use
// by many publishers and subscribers.
type Bus struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a Bus over a shared Redis client.
func New(client *redis.Client, cfg Config) *Bus {
	return &Bus{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "bus",
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
		}),
	}
}

// Publish broadcasts a payload to all current subscribers of channel.
// Fire-and-forget: no persistence, no delivery guarantee.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// Subscription is one listener's handle on a channel. Messages queue in
// the receive channel until read, which is what lets a subscriber hold
// off reading while it replays history without losing live publishes.
type Subscription struct {
	pubsub *redis.PubSub
	msgs   chan []byte
	cancel context.CancelFunc
}

// Messages returns the receive channel. It is closed when the
// subscription ends.
func (s *Subscription) Messages() <-chan []byte {
	return s.msgs
}

// Close unsubscribes and releases the connection. Safe to call more
// than once.
func (s *Subscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe opens a subscription on channel. The returned subscription
// receives every payload published to the channel from this moment on.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Confirm the SUBSCRIBE command so a dead bus surfaces here rather
	// than as a silent, message-less subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe to %s: %v", ErrUnavailable, channel, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		pubsub: pubsub,
		msgs:   make(chan []byte, 256),
		cancel: cancel,
	}
	go sub.pump(pumpCtx)
	return sub, nil
}

// pump copies payloads from the redis pubsub channel into the
// subscription's receive channel until the subscription closes.
func (s *Subscription) pump(ctx context.Context) {
	defer close(s.msgs)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.msgs <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}
