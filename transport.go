package modxcache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgduncan/modx-cache/stream"
)

const tracerName = "github.com/dgduncan/modx-cache"

// ConversationTransport implements Completer on top of another Completer and
// keeps the conversation of every cached turn in a Cache.
//
// A turn is cached when the request sets Cache and a CacheKey. The prior
// conversation stored under the key is prepended to the new messages, and
// once the upstream answer is complete the turn is written back:
//  1. Non-streamed turns are written as soon as the upstream call returns.
//  2. Streamed turns are written only after the caller drained the returned
//     stream to its end. A stream that errors, or that the caller stops
//     reading early, leaves the cache untouched.
//
// Cache failures never fail a turn. Upstream errors are returned unchanged.
type ConversationTransport struct {
	Wrapped Completer

	cache  Cache[[]Message]
	logger *slog.Logger
	now    func() time.Time
	tracer trace.Tracer

	c Config
}

// Complete implements Completer.
func (t *ConversationTransport) Complete(ctx context.Context, r Request) (*Completion, error) {
	ctx, span := t.start(ctx, r)
	defer span.End()

	r, prior, caching, err := t.prepare(ctx, r)
	if err != nil {
		return nil, t.fail(span, err)
	}

	start := t.now()
	completion, err := t.Wrapped.Complete(ctx, t.withContext(r, prior))
	if err != nil {
		return nil, t.fail(span, err)
	}

	t.logger.DebugContext(ctx, "completion received",
		"id", completion.ID,
		"model", r.Model,
		"elapsed", t.now().Sub(start))

	if caching {
		t.commit(ctx, r, prior, completion.Message.Content)
	}
	span.SetAttributes(attribute.Bool("modx.cache.committed", caching))

	return completion, nil
}

// Stream implements Completer. The returned stream must be drained by the
// caller for the turn to be cached. The turn span stays open until the stream
// ends, fails or ctx is done.
func (t *ConversationTransport) Stream(ctx context.Context, r Request) (*stream.Stream[Chunk], error) {
	ctx, span := t.start(ctx, r)

	r, prior, caching, err := t.prepare(ctx, r)
	if err != nil {
		defer span.End()
		return nil, t.fail(span, err)
	}

	s, err := t.Wrapped.Stream(ctx, t.withContext(r, prior))
	if err != nil {
		defer span.End()
		return nil, t.fail(span, err)
	}

	if !caching {
		return t.traced(ctx, span, s), nil
	}

	var content strings.Builder
	tapped := s.Tap(func(c Chunk) {
		content.WriteString(c.Delta.Content)
	})

	committed := tapped.OnExhausted(func(ctx context.Context) {
		if strings.TrimSpace(content.String()) == "" {
			t.logger.DebugContext(ctx, "stream finished without content, not caching turn", "key", r.CacheKey)
			return
		}
		t.commit(ctx, r, prior, content.String())
		span.SetAttributes(attribute.Bool("modx.cache.committed", true))
	})

	return t.traced(ctx, span, committed), nil
}

// traced forwards s and ends span once s reaches its end or fails. A stream
// the caller abandons ends the span when ctx is done.
func (t *ConversationTransport) traced(ctx context.Context, span trace.Span, s *stream.Stream[Chunk]) *stream.Stream[Chunk] {
	var once sync.Once
	stop := context.AfterFunc(ctx, func() {
		once.Do(func() { span.End() })
	})

	end := func(err error) {
		once.Do(func() {
			stop()
			if err != nil {
				t.fail(span, err)
			}
			span.End()
		})
	}

	parent := s.Iterator()
	return stream.From[Chunk](stream.SourceFunc[Chunk](func(ctx context.Context) (Chunk, error) {
		chunk, err := parent.Next(ctx)
		switch {
		case err == io.EOF:
			end(nil)
		case err != nil:
			end(err)
		}
		return chunk, err
	}))
}

// prepare validates r, assigns its completion id and loads the prior
// conversation when the turn is cached.
func (t *ConversationTransport) prepare(ctx context.Context, r Request) (Request, []Message, bool, error) {
	if err := ValidateMessages(r.Messages); err != nil {
		return r, nil, false, err
	}

	if r.CompletionID == "" {
		r.CompletionID = NewCompletionID()
	}

	caching := r.Cache && r.CacheKey != "" && t.cache != nil
	if !caching {
		return r, nil, false, nil
	}

	lookup := t.cache.Get(ctx, r.CacheKey)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("modx.cache.lookup", lookup.Kind().String()))

	prior, ok := lookup.Value()
	if !ok {
		// a miss and a tombstone both start a new conversation
		t.logger.DebugContext(ctx, "no cached conversation", "key", r.CacheKey, "lookup", lookup.Kind())
		return r, nil, true, nil
	}

	t.logger.DebugContext(ctx, "cached conversation found", "key", r.CacheKey, "messages", len(prior))
	return r, t.trim(prior), true, nil
}

// trim drops the oldest user/assistant pairs beyond MaxContextMessages.
func (t *ConversationTransport) trim(prior []Message) []Message {
	limit := t.c.MaxContextMessages
	if limit <= 0 || len(prior) <= limit {
		return prior
	}

	drop := len(prior) - limit
	if drop%2 != 0 {
		drop++
	}
	return prior[drop:]
}

func (t *ConversationTransport) withContext(r Request, prior []Message) Request {
	if len(prior) == 0 {
		return r
	}

	messages := make([]Message, 0, len(prior)+len(r.Messages))
	messages = append(messages, prior...)
	messages = append(messages, r.Messages...)
	r.Messages = messages
	return r
}

// commit writes {prior, last user message, assistant answer} under the
// request's cache key.
func (t *ConversationTransport) commit(ctx context.Context, r Request, prior []Message, answer string) {
	turn := make([]Message, 0, len(prior)+2)
	turn = append(turn, prior...)
	turn = append(turn,
		r.Messages[len(r.Messages)-1],
		Message{Role: RoleAssistant, Content: answer},
	)

	t.cache.SetX(ctx, r.CacheKey, turn, t.c.TurnTTL)
	t.logger.DebugContext(ctx, "conversation cached",
		"key", r.CacheKey,
		"messages", len(turn),
		"ttl", t.c.TurnTTL)
}

func (t *ConversationTransport) start(ctx context.Context, r Request) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("modx.model", r.Model),
		attribute.Bool("modx.stream", r.Stream),
		attribute.Bool("modx.cache", r.Cache && r.CacheKey != ""),
	))
}

func (t *ConversationTransport) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// New creates a middleware that adds conversation caching to a Completer.
//
// If 'opts' is nil, DefaultConfig is used.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
// A nil cache turns the middleware into a passthrough that only validates
// requests and assigns completion ids.
func New(
	cache Cache[[]Message],
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) func(Completer) Completer {
	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	tp := c.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return func(next Completer) Completer {
		return &ConversationTransport{
			Wrapped: next,
			cache:   cache,
			now:     nowFunc,
			logger:  logger,
			tracer:  tp.Tracer(tracerName),
			c:       c,
		}
	}
}
