package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/pkg/events"
	"github.com/parley-chat/parley/pkg/llm"
	"github.com/parley-chat/parley/pkg/models"
	"github.com/parley-chat/parley/pkg/services"
)

// fakeMessages implements MessageStore in memory.
type fakeMessages struct {
	mu        sync.Mutex
	created   []*models.Message
	finalized []models.FinalizeMessageRequest
	history   []*models.Message
	createErr error
}

func (f *fakeMessages) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	msg := &models.Message{
		ID:       fmt.Sprintf("msg-%d", len(f.created)+1),
		ThreadID: req.ThreadID,
		Role:     req.Role,
		Content:  req.Content,
		Model:    req.Model,
	}
	f.created = append(f.created, msg)
	return msg, nil
}

func (f *fakeMessages) FinalizeMessage(_ context.Context, req models.FinalizeMessageRequest) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, req)
	return &models.Message{ID: req.MessageID, Role: models.RoleAssistant, Content: req.Content}, nil
}

func (f *fakeMessages) ListRecentMessages(_ context.Context, _, _ string, _ int) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

// fakeCredentials implements CredentialStore.
type fakeCredentials struct {
	mu      sync.Mutex
	err     error
	touched []string
}

func (f *fakeCredentials) ActiveCredential(_ context.Context, userID, provider string) (*models.ProviderCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.ProviderCredential{ID: "cred-1", UserID: userID, Provider: provider, APIKey: "sk-test"}, nil
}

func (f *fakeCredentials) TouchCredential(_ context.Context, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, credentialID)
	return nil
}

// fakeAssistants implements AssistantStore.
type fakeAssistants struct {
	assistantErr error
	modelErr     error
}

func (f *fakeAssistants) GetAssistant(_ context.Context, assistantID string) (*models.Assistant, error) {
	if f.assistantErr != nil {
		return nil, f.assistantErr
	}
	return &models.Assistant{ID: assistantID, Name: "Helper", SystemPrompt: "be helpful"}, nil
}

func (f *fakeAssistants) GetModel(_ context.Context, modelID string) (*models.ModelRef, error) {
	if f.modelErr != nil {
		return nil, f.modelErr
	}
	return &models.ModelRef{ID: modelID, Identifier: "anthropic/claude-sonnet-4"}, nil
}

// fakePublisher records published envelopes.
type fakePublisher struct {
	mu        sync.Mutex
	envelopes []events.Envelope
	channels  []string
}

func (f *fakePublisher) Publish(_ context.Context, channel string, env *events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envelopes = append(f.envelopes, *env)
	f.channels = append(f.channels, channel)
	return nil
}

func (f *fakePublisher) byType(typ string) []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Envelope
	for _, env := range f.envelopes {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakePublisher) terminals() []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Envelope
	for _, env := range f.envelopes {
		if env.Terminal() {
			out = append(out, env)
		}
	}
	return out
}

// fakeStream implements llm.StreamClient with canned chunks.
type fakeStream struct {
	mu      sync.Mutex
	chunks  []llm.StreamChunk
	err     error
	request *llm.Request
}

func (f *fakeStream) StreamCompletion(_ context.Context, req llm.Request) (<-chan llm.StreamChunk, <-chan error) {
	f.mu.Lock()
	f.request = &req
	f.mu.Unlock()

	chunks := make(chan llm.StreamChunk, len(f.chunks)+1)
	errs := make(chan error, 1)
	for _, c := range f.chunks {
		chunks <- c
	}
	close(chunks)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return chunks, errs
}

func (f *fakeStream) lastRequest() *llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.request
}

type fixture struct {
	messages    *fakeMessages
	credentials *fakeCredentials
	assistants  *fakeAssistants
	publisher   *fakePublisher
	stream      *fakeStream
	executor    *Executor
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		messages:    &fakeMessages{},
		credentials: &fakeCredentials{},
		assistants:  &fakeAssistants{},
		publisher:   &fakePublisher{},
		stream:      &fakeStream{},
	}
	f.executor = NewExecutor(f.messages, f.credentials, f.assistants, f.publisher, f.stream, cfg)
	return f
}

func submitInput() SubmitInput {
	return SubmitInput{
		ThreadID:    "t1",
		UserID:      "u1",
		Content:     "hello there",
		AssistantID: "asst-1",
		ModelID:     "model-1",
	}
}

func TestExecutor_SuccessfulGeneration(t *testing.T) {
	f := newFixture(Config{StreamThrottle: time.Nanosecond})
	f.stream.chunks = []llm.StreamChunk{
		{Delta: "Hel"},
		{Delta: "lo"},
		{FinishReason: "stop", Usage: &llm.TokenUsage{InputTokens: 7, OutputTokens: 2, TotalTokens: 9}},
	}

	result, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err)
	require.NotNil(t, result.UserMessage)
	require.NotNil(t, result.AssistantMessage)
	assert.Equal(t, models.RoleUser, result.UserMessage.Role)
	assert.Equal(t, models.RoleAssistant, result.AssistantMessage.Role)
	assert.Empty(t, result.AssistantMessage.Content)

	f.executor.Stop()

	created := f.publisher.byType(events.TypeMessageCreated)
	require.Len(t, created, 2)
	assert.Equal(t, result.UserMessage.ID, created[0].MessageID)
	assert.Equal(t, result.AssistantMessage.ID, created[1].MessageID)

	streaming := f.publisher.byType(events.TypeMessageStreaming)
	require.NotEmpty(t, streaming)
	// Cumulative snapshots: the last one carries all text so far.
	assert.Equal(t, "Hello", streaming[len(streaming)-1].Content)

	terminals := f.publisher.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, events.TypeMessageCompleted, terminals[0].Type)
	assert.Equal(t, "Hello", terminals[0].Content)
	assert.Equal(t, result.AssistantMessage.ID, terminals[0].MessageID)

	// The terminal event is the last event published.
	assert.True(t, f.publisher.envelopes[len(f.publisher.envelopes)-1].Terminal())

	require.Len(t, f.messages.finalized, 1)
	assert.Equal(t, "Hello", f.messages.finalized[0].Content)
	assert.Equal(t, 9, f.messages.finalized[0].TotalTokens)
	assert.Equal(t, "stop", f.messages.finalized[0].FinishReason)

	assert.Equal(t, []string{"cred-1"}, f.credentials.touched)
}

func TestExecutor_MissingCredential(t *testing.T) {
	f := newFixture(Config{})
	f.credentials.err = services.ErrNoCredential

	result, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err, "credential resolution happens after the synchronous return")
	require.NotNil(t, result.AssistantMessage)

	f.executor.Stop()

	// Exactly one terminal event, no streaming, provider never called.
	terminals := f.publisher.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, events.TypeMessageError, terminals[0].Type)
	assert.Equal(t, result.AssistantMessage.ID, terminals[0].MessageID)
	assert.Contains(t, terminals[0].Error, "credential")

	assert.Empty(t, f.publisher.byType(events.TypeMessageStreaming))
	assert.Nil(t, f.stream.lastRequest())
	assert.Empty(t, f.messages.finalized)
}

func TestExecutor_UnknownModel(t *testing.T) {
	f := newFixture(Config{})
	f.assistants.modelErr = services.ErrNotFound

	result, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err)
	f.executor.Stop()

	terminals := f.publisher.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, events.TypeMessageError, terminals[0].Type)
	assert.Equal(t, result.AssistantMessage.ID, terminals[0].MessageID)
}

func TestExecutor_StreamFailure(t *testing.T) {
	f := newFixture(Config{StreamThrottle: time.Nanosecond})
	f.stream.chunks = []llm.StreamChunk{{Delta: "partial"}}
	f.stream.err = errors.New("connection reset")

	_, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err)
	f.executor.Stop()

	terminals := f.publisher.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, events.TypeMessageError, terminals[0].Type)
	assert.Empty(t, f.messages.finalized, "failed generations are not finalized")
}

func TestExecutor_StreamingThrottled(t *testing.T) {
	f := newFixture(Config{StreamThrottle: 100 * time.Millisecond})

	// Frozen clock: after the first flush nothing else beats the
	// throttle, so 50 deltas collapse into the initial flush plus the
	// final dirty flush.
	now := time.Unix(0, 0)
	f.executor.nowFn = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		f.stream.chunks = append(f.stream.chunks, llm.StreamChunk{Delta: "x"})
	}
	f.stream.chunks = append(f.stream.chunks, llm.StreamChunk{FinishReason: "stop"})

	_, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err)
	f.executor.Stop()

	streaming := f.publisher.byType(events.TypeMessageStreaming)
	assert.LessOrEqual(t, len(streaming), 2)
	require.NotEmpty(t, streaming)
	// The final flush carries the complete text regardless of throttling.
	assert.Len(t, streaming[len(streaming)-1].Content, 50)

	terminals := f.publisher.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, events.TypeMessageCompleted, terminals[0].Type)
}

func TestExecutor_WebSearchSuffix(t *testing.T) {
	f := newFixture(Config{})
	f.stream.chunks = []llm.StreamChunk{{Delta: "ok", FinishReason: "stop"}}

	input := submitInput()
	input.WebSearch = true
	_, err := f.executor.Submit(context.Background(), input)
	require.NoError(t, err)
	f.executor.Stop()

	req := f.stream.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "anthropic/claude-sonnet-4:online", req.Model)
	assert.Equal(t, "be helpful", req.SystemPrompt)
	assert.Equal(t, "sk-test", req.APIKey)
}

func TestExecutor_HistoryEndsWithUserTurn(t *testing.T) {
	f := newFixture(Config{})
	f.messages.history = []*models.Message{
		{Role: models.RoleUser, Content: "earlier question"},
		{Role: models.RoleAssistant, Content: "earlier answer"},
		{Role: models.RoleAssistant, Content: ""}, // dangling placeholder
	}
	f.stream.chunks = []llm.StreamChunk{{Delta: "ok", FinishReason: "stop"}}

	_, err := f.executor.Submit(context.Background(), submitInput())
	require.NoError(t, err)
	f.executor.Stop()

	req := f.stream.lastRequest()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 3, "empty placeholders are dropped from history")
	assert.Equal(t, "earlier question", req.Messages[0].Content)
	assert.Equal(t, "hello there", req.Messages[2].Content)
	assert.Equal(t, string(models.RoleUser), req.Messages[2].Role)
}

func TestExecutor_ValidatesInput(t *testing.T) {
	f := newFixture(Config{})

	input := submitInput()
	input.Content = "   "
	_, err := f.executor.Submit(context.Background(), input)
	require.Error(t, err)
	assert.True(t, services.IsValidationError(err))
	assert.Empty(t, f.messages.created, "nothing persisted on validation failure")

	input = submitInput()
	input.AssistantID = ""
	_, err = f.executor.Submit(context.Background(), input)
	assert.True(t, services.IsValidationError(err))

	input = submitInput()
	input.ModelID = ""
	_, err = f.executor.Submit(context.Background(), input)
	assert.True(t, services.IsValidationError(err))
}

func TestExecutor_RejectsAfterStop(t *testing.T) {
	f := newFixture(Config{})
	f.executor.Stop()

	_, err := f.executor.Submit(context.Background(), submitInput())
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, f.messages.created)
}
