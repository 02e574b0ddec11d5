package eventlog

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"message_created"}`)
	member := encodeMember(42, payload)

	seq, decoded := decodeMember(member)
	assert.Equal(t, uint64(42), seq)
	assert.Equal(t, payload, decoded)
}

func TestMemberOrderFollowsSequenceWithinScore(t *testing.T) {
	// Same-millisecond entries share a score; Redis then sorts members
	// lexicographically. The fixed-width hex prefix makes that match
	// insertion order, monotonically across the uint64 range.
	a := encodeMember(9, []byte("z"))
	b := encodeMember(10, []byte("a"))
	c := encodeMember(1<<40, []byte("a"))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestDecodeMember_ForeignWriter(t *testing.T) {
	seq, payload := decodeMember(`{"type":"message_created"}`)
	assert.Zero(t, seq)
	assert.Equal(t, []byte(`{"type":"message_created"}`), payload)

	seq, payload = decodeMember("short")
	assert.Zero(t, seq)
	assert.Equal(t, []byte("short"), payload)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker("test", 5, 50*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	// Open: calls fail fast without reaching the store.
	called := false
	_, err := b.Execute(func() (interface{}, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	b := newBreaker("test", 5, 20*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	// Cooldown elapsed: one trial call is allowed through.
	_, err := b.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b := newBreaker("test", 5, 20*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	time.Sleep(30 * time.Millisecond)

	_, err := b.Execute(func() (interface{}, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreaker_FailureCountResetsOnSuccess(t *testing.T) {
	b := newBreaker("test", 5, time.Second)
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	_, err := b.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	// Four more failures stay under the consecutive threshold.
	for i := 0; i < 4; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, boom })
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
