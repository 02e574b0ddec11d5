// Package eventlog provides the append-only, per-channel event log
// backed by Redis sorted sets. Entries are scored by their millisecond
// timestamp, which doubles as the client resumption cursor.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the store cannot be reached or the
// circuit breaker is open.
var ErrUnavailable = errors.New("event log store unavailable")

// Entry is one logged event returned by Range.
type Entry struct {
	// Timestamp is the entry's score: milliseconds since epoch.
	Timestamp int64
	// Seq is the per-process append sequence embedded in the member.
	// It keeps same-millisecond entries distinct and insertion-ordered,
	// and lets consumers dedup the replay/live boundary exactly.
	Seq uint64
	// Payload is the event envelope JSON as appended.
	Payload []byte
}

// Config holds event log settings.
type Config struct {
	// TTL is refreshed on the channel key at every append. Zero disables
	// expiry (the cleanup service then owns retention alone).
	TTL time.Duration

	// Circuit breaker: after BreakerThreshold consecutive failures the
	// breaker opens and calls fail fast for BreakerCooldown, then a
	// single trial call is allowed (half-open) before fully closing.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              7 * 24 * time.Hour,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Store is the shared, long-lived event log client. Safe for concurrent
// use by many generation tasks and subscription sessions.
type Store struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	seq     atomic.Uint64
}

// New creates a Store over a shared Redis client.
func New(client *redis.Client, cfg Config) *Store {
	s := &Store{
		client:  client,
		breaker: newBreaker("eventlog", cfg.BreakerThreshold, cfg.BreakerCooldown),
		ttl:     cfg.TTL,
	}
	// Seed the sequence from the clock so it keeps increasing across
	// restarts. Per-channel writes come from a single producer, so a
	// per-process counter is sufficient for stable ordering.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

// newBreaker builds a consecutive-failure circuit breaker. Shared with
// the bus package via the same settings shape.
func newBreaker(name string, threshold uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

// Append writes an envelope to the channel's log and returns the append
// sequence. The member is the sequence-prefixed payload, so two events
// appended in the same millisecond stay distinct and sort in insertion
// order within their score.
func (s *Store) Append(ctx context.Context, channel string, timestamp int64, payload []byte) (uint64, error) {
	seq := s.seq.Add(1)
	member := encodeMember(seq, payload)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, channel, redis.Z{Score: float64(timestamp), Member: member})
		if s.ttl > 0 {
			pipe.Expire(ctx, channel, s.ttl)
		}
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: append to %s: %v", ErrUnavailable, channel, err)
	}
	return seq, nil
}

// Range returns all entries with timestamp strictly greater than
// fromExclusive, ascending. Entries sharing a timestamp are returned in
// insertion order.
func (s *Store) Range(ctx context.Context, channel string, fromExclusive int64) ([]Entry, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.ZRangeByScoreWithScores(ctx, channel, &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(fromExclusive, 10),
			Max: "+inf",
		}).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: range %s: %v", ErrUnavailable, channel, err)
	}

	zs := result.([]redis.Z)
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		seq, payload := decodeMember(member)
		entries = append(entries, Entry{
			Timestamp: int64(z.Score),
			Seq:       seq,
			Payload:   payload,
		})
	}
	return entries, nil
}

// PruneOlderThan removes entries older than cutoff from every channel
// log and returns the number removed. Used by the cleanup service.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var removed int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, ChannelPattern, 100).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: scan channels: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", max).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: prune %s: %v", ErrUnavailable, key, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// ChannelPattern matches all per-thread event log keys.
const ChannelPattern = "thread:*"

// encodeMember prefixes the payload with a fixed-width hex sequence so
// lexicographic member order equals insertion order within a score.
func encodeMember(seq uint64, payload []byte) string {
	return fmt.Sprintf("%016x|%s", seq, payload)
}

// decodeMember splits a member back into sequence and payload. Members
// without the prefix (foreign writers) decode with seq 0.
func decodeMember(member string) (uint64, []byte) {
	const prefixLen = 17 // 16 hex digits + '|'
	if len(member) < prefixLen || member[16] != '|' {
		return 0, []byte(member)
	}
	seq, err := strconv.ParseUint(member[:16], 16, 64)
	if err != nil {
		return 0, []byte(member)
	}
	return seq, []byte(member[prefixLen:])
}
