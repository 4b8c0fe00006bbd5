// Package openai is a Completer for OpenAI-compatible chat completion APIs.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/stream"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second

	// maxLineSize bounds a single SSE line.
	maxLineSize = 1 << 20
)

// Config configures the client.
type Config struct {
	// BaseURL is the API root; /chat/completions is appended to it.
	BaseURL string

	// APIKey is sent as a bearer token. Local servers may not need one.
	APIKey string

	// Timeout bounds a whole exchange, streamed bodies included.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// APIError is a non-2xx answer from the upstream.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to a single upstream. It is safe for concurrent use.
type Client struct {
	endpoint string
	apiKey   string

	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New returns a client for config. A nil config uses DefaultConfig.
func New(config *Config, logger *slog.Logger) (*Client, error) {
	c := DefaultConfig()
	if config != nil {
		c = *config
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: unsupported scheme", c.BaseURL)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		endpoint: base.JoinPath("chat", "completions").String(),
		apiKey:   c.APIKey,
		http:     &http.Client{Timeout: c.Timeout},
		logger:   logger,
		now:      time.Now,
	}, nil
}

type wireRequest struct {
	Model               string              `json:"model"`
	Messages            []modxcache.Message `json:"messages"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       *wireStreamOptions  `json:"stream_options,omitempty"`
	MaxCompletionTokens int                 `json:"max_completion_tokens,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Content string `json:"content"`
	Refusal string `json:"refusal"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	Delta        wireMessage `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type wireResponse struct {
	ID      string           `json:"id"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []wireChoice     `json:"choices"`
	Usage   *modxcache.Usage `json:"usage"`
	Error   json.RawMessage  `json:"error"`
}

func (c *Client) send(ctx context.Context, r modxcache.Request) (*http.Response, error) {
	messages := r.Messages
	if r.SystemPrompt != "" {
		messages = append([]modxcache.Message{{Role: modxcache.RoleSystem, Content: r.SystemPrompt}}, messages...)
	}

	body := wireRequest{
		Model:               r.Model,
		Messages:            messages,
		Stream:              r.Stream,
		MaxCompletionTokens: r.MaxCompletionTokens,
	}
	if r.Stream {
		body.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.DebugContext(ctx, "sending completion request", "model", r.Model, "stream", r.Stream, "messages", len(messages))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	return resp, nil
}

func (c *Client) created(upstream int64) int64 {
	if upstream != 0 {
		return upstream
	}
	return c.now().Unix()
}

func completionID(r modxcache.Request, upstream string) string {
	if r.CompletionID != "" {
		return r.CompletionID
	}
	return upstream
}

// Complete runs a non-streamed turn.
func (c *Client) Complete(ctx context.Context, r modxcache.Request) (*modxcache.Completion, error) {
	r.Stream = false

	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Error) > 0 && string(result.Error) != "null" {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(result.Error)}
	}
	if len(result.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	choice := result.Choices[0]
	completion := &modxcache.Completion{
		ID:      completionID(r, result.ID),
		Created: c.created(result.Created),
		Model:   result.Model,
		Message: modxcache.CompletionMessage{
			Content: choice.Message.Content,
			Refusal: choice.Message.Refusal,
		},
		FinishReason: finishReason(choice.FinishReason),
	}
	if result.Usage != nil {
		completion.Usage = *result.Usage
	}

	return completion, nil
}

// Stream runs a streamed turn. The response body is closed once the stream is
// exhausted or fails, or when ctx is done. Callers abandoning a stream early
// should cancel ctx.
func (c *Client) Stream(ctx context.Context, r modxcache.Request) (*stream.Stream[modxcache.Chunk], error) {
	r.Stream = true

	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}

	src := &eventSource{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		status:  resp.StatusCode,
	}
	src.scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	src.stop = context.AfterFunc(ctx, func() { _ = resp.Body.Close() })

	return stream.New(src, func(w wireResponse) (modxcache.Chunk, error) {
		chunk := modxcache.Chunk{
			ID:      completionID(r, w.ID),
			Created: c.created(w.Created),
			Model:   w.Model,
			Usage:   w.Usage,
		}
		if len(w.Choices) > 0 {
			chunk.Delta = modxcache.Delta{
				Content: w.Choices[0].Delta.Content,
				Refusal: w.Choices[0].Delta.Refusal,
			}
			if w.Choices[0].FinishReason != nil {
				chunk.FinishReason = modxcache.MapFinishReason(*w.Choices[0].FinishReason)
			}
		}
		return chunk, nil
	}), nil
}

func finishReason(reason *string) modxcache.FinishReason {
	if reason == nil {
		return modxcache.FinishStop
	}
	return modxcache.MapFinishReason(*reason)
}

// eventSource reads server-sent events until the [DONE] sentinel.
type eventSource struct {
	body    io.Closer
	scanner *bufio.Scanner
	status  int
	stop    func() bool
	done    bool
}

func (s *eventSource) close() {
	s.done = true
	s.stop()
	_ = s.body.Close()
}

func (s *eventSource) Next(ctx context.Context) (wireResponse, error) {
	if s.done {
		return wireResponse{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// blank separators, comments and other fields
			continue
		}
		data = strings.TrimSpace(data)

		if data == "[DONE]" {
			s.close()
			return wireResponse{}, io.EOF
		}

		var event wireResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			s.close()
			return wireResponse{}, fmt.Errorf("parsing event: %w", err)
		}
		if len(event.Error) > 0 && string(event.Error) != "null" {
			s.close()
			return wireResponse{}, &APIError{StatusCode: s.status, Body: string(event.Error)}
		}

		return event, nil
	}

	err := s.scanner.Err()
	s.close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return wireResponse{}, ctxErr
	}
	if err != nil {
		return wireResponse{}, fmt.Errorf("reading events: %w", err)
	}
	return wireResponse{}, io.ErrUnexpectedEOF
}

var _ modxcache.Completer = (*Client)(nil)
