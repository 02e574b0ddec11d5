// Package events provides real-time thread event delivery: the typed
// event envelope, the append-then-publish pipeline, and the
// replay-then-live subscription session.
//
// ════════════════════════════════════════════════════════════════
// Message lifecycle
// ════════════════════════════════════════════════════════════════
//
// Every generation emits, in order, on the thread's channel:
//
//	message_created   {message: userMessage}
//	message_created   {message: assistantPlaceholder, content: ""}
//	message_streaming {messageId, content: "cumulative so far"}  (repeated, throttled)
//	message_completed {messageId, message: finalMessage, content: full text}
//
// or, on any failure after the placeholders exist:
//
//	message_error     {messageId, error: "..."}
//
// Streaming content is cumulative, not a delta: each message_streaming
// carries the full text produced so far, so a dropped event costs
// nothing once the next one arrives. Exactly one terminal event
// (message_completed or message_error) ends each assistant message's
// lifecycle; no message_streaming follows it.
//
// Every event is appended to the thread's event log before it is
// broadcast on the bus, always in that order. The log is the durable,
// replayable side; the bus reaches only currently-connected listeners.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/parley-chat/parley/pkg/models"
)

// Event types carried in Envelope.Type. The tag is an open string:
// consumers must tolerate (and forward) values not listed here so a
// newer producer doesn't break an older reader.
const (
	TypeMessageCreated   = "message_created"
	TypeMessageStreaming = "message_streaming"
	TypeMessageCompleted = "message_completed"
	TypeMessageError     = "message_error"

	// TypeError is emitted by a subscription session itself when an
	// inbound bus payload cannot be parsed.
	TypeError = "error"
)

// ThreadChannel returns the event channel key for a thread.
// Format: "thread:{thread_id}:{user_id}"
func ThreadChannel(threadID, userID string) string {
	return "thread:" + threadID + ":" + userID
}

// Envelope is the normalized payload describing one lifecycle step of a
// message's generation. It is both the log format and the wire format.
type Envelope struct {
	Type string `json:"type"`

	// Timestamp is milliseconds since epoch. It is the ordering key
	// within a channel and the value clients resume from.
	Timestamp int64 `json:"timestamp,omitempty"`

	MessageID string `json:"messageId,omitempty"`

	// Content is cumulative partial text on message_streaming and the
	// final text on message_completed.
	Content string `json:"content,omitempty"`

	// Message is a full snapshot, present on message_created and
	// message_completed. Its CreatedAt is the row's real creation time,
	// not this event's timestamp.
	Message *models.Message `json:"message,omitempty"`

	Error string `json:"error,omitempty"`

	// LogSeq is injected into the bus copy of the envelope after the
	// log append succeeds (never stored in the log itself). Sessions
	// use it to drop events already delivered during replay.
	LogSeq uint64 `json:"logSeq,omitempty"`
}

// ParseEnvelope decodes an envelope, tolerating unknown fields and
// unknown type tags. It fails only on malformed JSON.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	return &env, nil
}

// Terminal reports whether the envelope ends a message's lifecycle.
func (e *Envelope) Terminal() bool {
	return e.Type == TypeMessageCompleted || e.Type == TypeMessageError
}
