package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_AppendsBeforeBroadcast(t *testing.T) {
	log := newFakeLog()
	bus := newFakeBus()
	p := NewPublisher(log, bus)
	p.now = func() time.Time { return time.UnixMilli(1000) }

	channel := ThreadChannel("t1", "u1")
	err := p.Publish(context.Background(), channel, &Envelope{
		Type:      TypeMessageCreated,
		MessageID: "m1",
	})
	require.NoError(t, err)

	// Logged copy: timestamp stamped, no log sequence.
	entries, err := log.Range(context.Background(), channel, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1000), entries[0].Timestamp)

	logged, err := ParseEnvelope(entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, TypeMessageCreated, logged.Type)
	assert.Zero(t, logged.LogSeq)

	// Bus copy: log sequence injected for boundary dedup.
	require.Len(t, bus.published, 1)
	broadcast, err := ParseEnvelope(bus.published[0])
	require.NoError(t, err)
	assert.Equal(t, entries[0].Seq, broadcast.LogSeq)
	assert.Equal(t, int64(1000), broadcast.Timestamp)
}

func TestPublisher_PreservesExplicitTimestamp(t *testing.T) {
	log := newFakeLog()
	bus := newFakeBus()
	p := NewPublisher(log, bus)

	channel := ThreadChannel("t1", "u1")
	err := p.Publish(context.Background(), channel, &Envelope{
		Type:      TypeMessageStreaming,
		Timestamp: 777,
	})
	require.NoError(t, err)

	entries, err := log.Range(context.Background(), channel, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(777), entries[0].Timestamp)
}

func TestPublisher_AppendFailureStillBroadcasts(t *testing.T) {
	log := newFakeLog()
	log.appendErr = errors.New("store unavailable")
	bus := newFakeBus()
	p := NewPublisher(log, bus)

	err := p.Publish(context.Background(), "thread:t1:u1", &Envelope{Type: TypeMessageStreaming})
	require.Error(t, err)

	// Live subscribers still got the event, without a log sequence.
	require.Len(t, bus.published, 1)
	broadcast, parseErr := ParseEnvelope(bus.published[0])
	require.NoError(t, parseErr)
	assert.Zero(t, broadcast.LogSeq)
}

func TestPublisher_BusFailureReportedAfterAppend(t *testing.T) {
	log := newFakeLog()
	bus := newFakeBus()
	busErr := errors.New("bus unavailable")
	bus.publishErr = busErr
	p := NewPublisher(log, bus)

	channel := ThreadChannel("t1", "u1")
	err := p.Publish(context.Background(), channel, &Envelope{Type: TypeMessageCompleted})
	require.ErrorIs(t, err, busErr)

	// The event survived in the replay log.
	entries, rangeErr := log.Range(context.Background(), channel, 0)
	require.NoError(t, rangeErr)
	assert.Len(t, entries, 1)
}
