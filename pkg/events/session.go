package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// State is a subscription session's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackedEvent is one emission to the client: the envelope plus the
// cursor the client records to resume from after a disconnect.
type TrackedEvent struct {
	Channel string          `json:"channel"`
	Cursor  string          `json:"cursor"`
	Data    json.RawMessage `json:"data"`
}

// EmitFunc delivers one tracked event to the client. An error aborts
// the session (the client connection is gone or wedged).
type EmitFunc func(TrackedEvent) error

// Session bridges one client's subscribe request to the bus and the
// event log: replay missed events from the cursor, then forward live
// publishes, without gaps or duplicates across the transition.
//
// Boundary strategy: the bus subscription is opened before the replay
// query, so anything published mid-replay queues in the subscription's
// receive channel and is drained, oldest first, when the live loop
// starts. Because producers append before publishing, an event can be
// both in the replay result and in that queue; live events carrying a
// log sequence at or below the highest replayed one are dropped as
// already delivered.
type Session struct {
	channel     string
	lastEventID string
	log         Log
	bus         Bus
	emit        EmitFunc
	state       atomic.Int32
	now         func() time.Time
}

// NewSession creates a session for one client on one thread channel.
// lastEventID is the client's resumption cursor; empty means live-only.
func NewSession(log Log, bus Bus, channel, lastEventID string, emit EmitFunc) *Session {
	return &Session{
		channel:     channel,
		lastEventID: lastEventID,
		log:         log,
		bus:         bus,
		emit:        emit,
		now:         time.Now,
	}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run executes the session until ctx is cancelled (client disconnect),
// the bus subscription ends, or emission fails. The bus subscription is
// released on every exit path.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)
	defer s.setState(StateClosed)

	// Subscribe before replaying: live events published during the
	// replay query queue in the subscription until the live loop drains
	// them. A failure here terminates the session with a surfaced error.
	sub, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		return fmt.Errorf("failed to establish subscription on %s: %w", s.channel, err)
	}
	defer func() { _ = sub.Close() }()

	var maxReplayedSeq uint64
	if s.lastEventID != "" {
		s.setState(StateReplaying)
		maxReplayedSeq, err = s.replay(ctx)
		if err != nil {
			return err
		}
	}

	s.setState(StateLive)
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := s.deliverLive(payload, maxReplayedSeq); err != nil {
				return err
			}
		}
	}
}

// replay emits every logged event after the cursor, in order, and
// returns the highest log sequence seen.
func (s *Session) replay(ctx context.Context) (uint64, error) {
	cursor, err := strconv.ParseInt(s.lastEventID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", s.lastEventID, err)
	}

	entries, err := s.log.Range(ctx, s.channel, cursor)
	if err != nil {
		return 0, fmt.Errorf("replay on %s failed: %w", s.channel, err)
	}

	var maxSeq uint64
	for _, entry := range entries {
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
		err := s.emit(TrackedEvent{
			Channel: s.channel,
			Cursor:  strconv.FormatInt(entry.Timestamp, 10),
			Data:    json.RawMessage(entry.Payload),
		})
		if err != nil {
			return 0, err
		}
	}
	return maxSeq, nil
}

// deliverLive forwards one bus payload to the client. A malformed
// payload becomes a type "error" envelope rather than killing the
// session; only emission failures propagate.
func (s *Session) deliverLive(payload []byte, maxReplayedSeq uint64) error {
	nowMillis := s.now().UnixMilli()

	env, err := ParseEnvelope(payload)
	if err != nil {
		slog.Warn("Malformed live event payload", "channel", s.channel, "error", err)
		errEnv := Envelope{
			Type:      TypeError,
			Timestamp: nowMillis,
			Error:     "malformed event payload",
		}
		data, marshalErr := json.Marshal(&errEnv)
		if marshalErr != nil {
			return nil
		}
		return s.emit(TrackedEvent{
			Channel: s.channel,
			Cursor:  strconv.FormatInt(nowMillis, 10),
			Data:    data,
		})
	}

	// Boundary dedup: this event was already emitted during replay.
	// Events with no log sequence (append failed) always pass through.
	if env.LogSeq != 0 && env.LogSeq <= maxReplayedSeq {
		return nil
	}

	cursor := env.Timestamp
	if cursor == 0 {
		cursor = nowMillis
	}
	return s.emit(TrackedEvent{
		Channel: s.channel,
		Cursor:  strconv.FormatInt(cursor, 10),
		Data:    json.RawMessage(payload),
	})
}
