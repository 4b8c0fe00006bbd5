package modxcache

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// DefaultTurnTTL is how long a committed conversation stays cached.
const DefaultTurnTTL = time.Hour

type Config struct {
	// TurnTTL is the expiry written with every committed turn. A value <= 0
	// keeps conversations until they are deleted.
	TurnTTL time.Duration

	// MaxContextMessages caps how many cached messages are prepended to a new
	// turn. Older messages are dropped first, in user/assistant pairs. Zero
	// means no cap.
	MaxContextMessages int

	// TracerProvider receives the chat.turn spans. Nil uses the global
	// provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		TurnTTL:            DefaultTurnTTL,
		MaxContextMessages: 0,
	}
}
