package modxcache

import (
	"context"

	"github.com/dgduncan/modx-cache/stream"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FinishReason is why the model stopped producing output.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
)

// MapFinishReason folds an upstream finish reason into the three reasons
// exposed to callers. Anything unknown (tool calls included) maps to stop.
func MapFinishReason(reason string) FinishReason {
	switch FinishReason(reason) {
	case FinishLength:
		return FinishLength
	case FinishContentFilter:
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// Request is a single chat turn.
type Request struct {
	Model        string
	SystemPrompt string

	// Messages are the new messages of this turn. They must alternate between
	// user and assistant, starting and ending with a user message.
	Messages []Message

	Stream              bool
	MaxCompletionTokens int

	// Cache enables conversation caching for this turn. It has no effect
	// unless CacheKey is set as well.
	Cache    bool
	CacheKey string

	// CompletionID is echoed in the response. One is generated when empty.
	CompletionID string
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionMessage is the assistant output of a non-streamed turn.
type CompletionMessage struct {
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// Completion is the response to a non-streamed turn.
type Completion struct {
	ID           string            `json:"id"`
	Created      int64             `json:"created"`
	Model        string            `json:"model"`
	Message      CompletionMessage `json:"message"`
	FinishReason FinishReason      `json:"finish_reason"`
	Usage        Usage             `json:"usage"`
}

// Delta is the incremental output carried by a Chunk.
type Delta struct {
	Content string `json:"content,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

// Chunk is one fragment of a streamed turn.
type Chunk struct {
	ID           string       `json:"id"`
	Created      int64        `json:"created"`
	Model        string       `json:"model"`
	Delta        Delta        `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Completer produces chat completions. Implementations must be safe for
// concurrent use.
type Completer interface {
	Complete(ctx context.Context, r Request) (*Completion, error)
	Stream(ctx context.Context, r Request) (*stream.Stream[Chunk], error)
}
