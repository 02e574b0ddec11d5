// Package llm streams chat completions from OpenRouter over SSE.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/parley-chat/parley/pkg/version"
)

const (
	// DefaultBaseURL is the OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// WebSearchSuffix appended to a model identifier enables
	// OpenRouter's web search plugin for the request.
	WebSearchSuffix = ":online"
)

// Message is one turn of conversation context sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage is the provider's accounting for a completed generation.
type TokenUsage struct {
	InputTokens  int `json:"prompt_tokens"`
	OutputTokens int `json:"completion_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamChunk represents a streaming chunk from the provider.
// Delta is the incremental text; FinishReason and Usage arrive on the
// final chunks only.
type StreamChunk struct {
	Delta        string
	FinishReason string
	Usage        *TokenUsage
}

// Request describes one streaming completion call.
type Request struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Messages     []Message
}

// StreamClient is the streaming completion surface the generation
// executor depends on.
type StreamClient interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error)
}

// Client calls the OpenRouter chat completions API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client. baseURL may be empty to use the default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: streaming responses are bounded by the
		// request context instead.
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Usage    map[string]bool `json:"usage,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage"`
	Error *apiError   `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StreamCompletion opens a streaming completion and returns a chunk
// channel plus an error channel. Both are closed when the stream ends;
// at most one error is sent. Cancelling ctx aborts the stream.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if err := c.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (c *Client) stream(ctx context.Context, req Request, chunks chan<- StreamChunk) error {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		Usage:    map[string]bool{"include": true},
	})
	if err != nil {
		return fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readErrorResponse(resp)
	}

	return parseSSEStream(resp.Body, chunks)
}

// readErrorResponse extracts the provider's error message from a
// non-200 response body.
func (c *Client) readErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var payload struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != nil {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, payload.Error.Message)
	}
	return fmt.Errorf("provider returned %d", resp.StatusCode)
}

// parseSSEStream reads "data:" lines until "[DONE]" or EOF, forwarding
// decoded chunks. OpenRouter interleaves ": ..." comment lines as
// keep-alives; those are skipped.
func parseSSEStream(r io.Reader, chunks chan<- StreamChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("malformed stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("provider stream error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}

		out := StreamChunk{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			out.Delta = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		if out.Delta == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		chunks <- out
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}
