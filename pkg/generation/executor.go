// Package generation runs assistant message generation: it persists the
// user turn, streams a completion from the provider, and emits the
// message lifecycle events on the thread's channel.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/events"
	"github.com/parley-chat/parley/pkg/llm"
	"github.com/parley-chat/parley/pkg/models"
	"github.com/parley-chat/parley/pkg/services"
)

// ErrShuttingDown is returned by Submit after Stop() has been called.
var ErrShuttingDown = errors.New("executor is shutting down")

// MessageStore is the message persistence surface the executor needs.
// Implemented by services.MessageService.
type MessageStore interface {
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	FinalizeMessage(ctx context.Context, req models.FinalizeMessageRequest) (*models.Message, error)
	ListRecentMessages(ctx context.Context, threadID, excludeID string, limit int) ([]*models.Message, error)
}

// CredentialStore resolves and touches provider credentials.
// Implemented by services.CredentialService.
type CredentialStore interface {
	ActiveCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error)
	TouchCredential(ctx context.Context, credentialID string) error
}

// AssistantStore resolves assistants and model references.
// Implemented by services.AssistantService.
type AssistantStore interface {
	GetAssistant(ctx context.Context, assistantID string) (*models.Assistant, error)
	GetModel(ctx context.Context, modelID string) (*models.ModelRef, error)
}

// EventPublisher emits envelopes on a thread channel.
// Implemented by events.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, env *events.Envelope) error
}

// Config holds tuning for the executor.
type Config struct {
	// StreamThrottle is the minimum interval between message_streaming
	// events per generation. The final content is always flushed.
	StreamThrottle time.Duration

	// ContextWindow is how many recent messages are sent as
	// conversation history.
	ContextWindow int

	// GenerationTimeout bounds one full generation, stream included.
	GenerationTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StreamThrottle:    100 * time.Millisecond,
		ContextWindow:     10,
		GenerationTimeout: 5 * time.Minute,
	}
}

// SubmitInput groups all parameters for one generation request.
type SubmitInput struct {
	ThreadID    string
	UserID      string
	Content     string
	AssistantID string
	ModelID     string
	WebSearch   bool
}

// SubmitResult is returned synchronously from Submit: the persisted
// user message and the empty assistant placeholder. The assistant
// content arrives through the event stream.
type SubmitResult struct {
	UserMessage      *models.Message `json:"userMessage"`
	AssistantMessage *models.Message `json:"assistantMessage"`
}

// Executor handles asynchronous assistant message generation. It
// detaches the generation goroutine from the submitting request's
// lifecycle, supports graceful shutdown, and guarantees exactly one
// terminal event (message_completed or message_error) per placeholder.
type Executor struct {
	messages    MessageStore
	credentials CredentialStore
	assistants  AssistantStore
	publisher   EventPublisher
	llmClient   llm.StreamClient
	cfg         Config

	// Injectable clock for throttle tests.
	nowFn func() time.Time

	mu      sync.RWMutex
	wg      sync.WaitGroup // tracks active generations for shutdown
	stopped bool           // reject new submissions after Stop()
}

// NewExecutor creates an Executor.
func NewExecutor(
	messages MessageStore,
	credentials CredentialStore,
	assistants AssistantStore,
	publisher EventPublisher,
	llmClient llm.StreamClient,
	cfg Config,
) *Executor {
	if cfg.StreamThrottle <= 0 {
		cfg.StreamThrottle = DefaultConfig().StreamThrottle
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultConfig().ContextWindow
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultConfig().GenerationTimeout
	}
	return &Executor{
		messages:    messages,
		credentials: credentials,
		assistants:  assistants,
		publisher:   publisher,
		llmClient:   llmClient,
		cfg:         cfg,
		nowFn:       time.Now,
	}
}

// Submit persists the user message and the assistant placeholder,
// emits message_created for both, and launches the generation
// goroutine. Returns both messages immediately; everything after the
// placeholder — streaming, completion, errors — arrives as events.
func (e *Executor) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, services.NewValidationError("content", "must not be empty")
	}
	if input.AssistantID == "" {
		return nil, services.NewValidationError("assistantId", "must not be empty")
	}
	if input.ModelID == "" {
		return nil, services.NewValidationError("llmModel", "must not be empty")
	}

	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	e.mu.RUnlock()

	channel := events.ThreadChannel(input.ThreadID, input.UserID)

	userMsg, err := e.messages.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: input.ThreadID,
		Role:     models.RoleUser,
		Content:  input.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}
	e.publishCreated(ctx, channel, userMsg)

	assistantMsg, err := e.messages.CreateMessage(ctx, models.CreateMessageRequest{
		ThreadID: input.ThreadID,
		Role:     models.RoleAssistant,
		Content:  "",
		Model:    input.ModelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant placeholder: %w", err)
	}
	e.publishCreated(ctx, channel, assistantMsg)

	// Atomically check stopped + register the goroutine so Stop()
	// cannot finish wg.Wait() before this generation is tracked.
	e.mu.RLock()
	if e.stopped {
		e.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	// Detached context: generation outlives the submitting request.
	go e.run(context.Background(), input, channel, userMsg.ID, assistantMsg.ID)

	return &SubmitResult{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// Stop rejects new submissions and waits for in-flight generations to
// finish. Each one still emits its terminal event before returning.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Executor) run(parentCtx context.Context, input SubmitInput, channel, userMessageID, placeholderID string) {
	defer e.wg.Done()

	logger := slog.With(
		"thread_id", input.ThreadID,
		"message_id", placeholderID,
		"model_id", input.ModelID,
	)

	ctx, cancel := context.WithTimeout(parentCtx, e.cfg.GenerationTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Generation panicked", "panic", r)
			e.publishError(ctx, channel, placeholderID, "internal error during generation")
		}
	}()

	if err := e.generate(ctx, input, channel, userMessageID, placeholderID, logger); err != nil {
		logger.Error("Generation failed", "error", err)
		e.publishError(ctx, channel, placeholderID, userFacingError(err))
	}
}

// generate runs one full generation. Any returned error is turned into
// the single message_error terminal event by the caller.
func (e *Executor) generate(ctx context.Context, input SubmitInput, channel, userMessageID, placeholderID string, logger *slog.Logger) error {
	credential, err := e.credentials.ActiveCredential(ctx, input.UserID, models.ProviderOpenRouter)
	if err != nil {
		return fmt.Errorf("failed to resolve provider credential: %w", err)
	}

	assistant, err := e.assistants.GetAssistant(ctx, input.AssistantID)
	if err != nil {
		return fmt.Errorf("failed to resolve assistant %s: %w", input.AssistantID, err)
	}

	modelRef, err := e.assistants.GetModel(ctx, input.ModelID)
	if err != nil {
		return fmt.Errorf("failed to resolve model %s: %w", input.ModelID, err)
	}
	identifier := modelRef.Identifier
	if input.WebSearch {
		identifier += llm.WebSearchSuffix
	}

	history, err := e.buildHistory(ctx, input.ThreadID, userMessageID, input.Content)
	if err != nil {
		return err
	}

	logger.Info("Starting generation", "identifier", identifier, "history_len", len(history))

	chunks, errs := e.llmClient.StreamCompletion(ctx, llm.Request{
		APIKey:       credential.APIKey,
		Model:        identifier,
		SystemPrompt: assistant.SystemPrompt,
		Messages:     history,
	})

	content, usage, finishReason, err := e.collectStream(ctx, channel, placeholderID, chunks, errs)
	if err != nil {
		return err
	}

	final, err := e.messages.FinalizeMessage(ctx, models.FinalizeMessageRequest{
		MessageID:    placeholderID,
		Content:      content,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		FinishReason: finishReason,
	})
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}

	if err := e.publisher.Publish(ctx, channel, &events.Envelope{
		Type:      events.TypeMessageCompleted,
		MessageID: placeholderID,
		Content:   content,
		Message:   final,
	}); err != nil {
		logger.Warn("Failed to publish message_completed", "error", err)
	}

	// Best effort, generation already succeeded.
	if err := e.credentials.TouchCredential(ctx, credential.ID); err != nil {
		logger.Warn("Failed to touch credential", "error", err)
	}

	logger.Info("Generation completed",
		"content_len", len(content), "total_tokens", usage.TotalTokens)
	return nil
}

// collectStream consumes the provider stream, emitting throttled
// cumulative message_streaming events, and returns the full content.
func (e *Executor) collectStream(ctx context.Context, channel, placeholderID string, chunks <-chan llm.StreamChunk, errs <-chan error) (string, llm.TokenUsage, string, error) {
	var (
		builder      strings.Builder
		usage        llm.TokenUsage
		finishReason string
		lastEmit     time.Time
		dirty        bool
	)

	flush := func() {
		if err := e.publisher.Publish(ctx, channel, &events.Envelope{
			Type:      events.TypeMessageStreaming,
			MessageID: placeholderID,
			Content:   builder.String(),
		}); err != nil {
			slog.Warn("Failed to publish message_streaming",
				"channel", channel, "error", err)
		}
		lastEmit = e.nowFn()
		dirty = false
	}

	for chunk := range chunks {
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			continue
		}
		builder.WriteString(chunk.Delta)
		dirty = true

		// Cumulative snapshots, at most one per throttle interval.
		if e.nowFn().Sub(lastEmit) >= e.cfg.StreamThrottle {
			flush()
		}
	}

	if err := <-errs; err != nil {
		return "", usage, "", fmt.Errorf("provider stream failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", usage, "", fmt.Errorf("generation aborted: %w", err)
	}

	// Accumulated text the throttle held back still reaches clients
	// before the terminal event.
	if dirty {
		flush()
	}
	return builder.String(), usage, finishReason, nil
}

// buildHistory assembles the provider conversation from the most recent
// thread messages, ending with the new user turn.
func (e *Executor) buildHistory(ctx context.Context, threadID, userMessageID, content string) ([]llm.Message, error) {
	recent, err := e.messages.ListRecentMessages(ctx, threadID, userMessageID, e.cfg.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	history := make([]llm.Message, 0, len(recent)+1)
	for _, msg := range recent {
		// Unfinished placeholders from prior generations carry nothing.
		if msg.Content == "" {
			continue
		}
		history = append(history, llm.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	history = append(history, llm.Message{Role: string(models.RoleUser), Content: content})
	return history, nil
}

// publishCreated emits message_created with a full message snapshot.
func (e *Executor) publishCreated(ctx context.Context, channel string, msg *models.Message) {
	if err := e.publisher.Publish(ctx, channel, &events.Envelope{
		Type:      events.TypeMessageCreated,
		MessageID: msg.ID,
		Content:   msg.Content,
		Message:   msg,
	}); err != nil {
		slog.Warn("Failed to publish message_created",
			"channel", channel, "message_id", msg.ID, "error", err)
	}
}

// publishError emits the message_error terminal event. The publish
// context may already be cancelled (timeout path), so fall back to a
// short detached context to get the terminal event out.
func (e *Executor) publishError(ctx context.Context, channel, placeholderID, message string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.publisher.Publish(ctx, channel, &events.Envelope{
		Type:      events.TypeMessageError,
		MessageID: placeholderID,
		Error:     message,
	}); err != nil {
		slog.Error("Failed to publish message_error",
			"channel", channel, "message_id", placeholderID, "error", err)
	}
}

// userFacingError maps internal failures to messages safe to show in
// the event stream.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, services.ErrNoCredential):
		return "no active OpenRouter credential; add an API key to continue"
	case errors.Is(err, services.ErrNotFound):
		return "assistant or model not found"
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	default:
		return "generation failed"
	}
}
