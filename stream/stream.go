// Package stream provides a lazy, memoized stream over a one-shot source.
//
// The first traversal of a Stream pulls items from its source and buffers
// them. Every later traversal replays the buffer, so a stream can be handed
// to several consumers (a primary reader, a cache writer, a logger) without
// touching the source twice. Derived streams (Map, Filter, Tap, ...) read
// from their parent through a cursor and keep their own buffer and state.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
)

// State is the lifecycle of a stream.
type State int

const (
	// NotStarted means the source has never been pulled.
	NotStarted State = iota
	// InProgress means at least one item was requested but the source has
	// not ended yet.
	InProgress
	// Exhausted means the source reported io.EOF. The buffer is final.
	Exhausted
	// Errored means the source (or the transform) failed. The buffer is final
	// and Err reports the failure.
	Errored
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case InProgress:
		return "in_progress"
	case Exhausted:
		return "exhausted"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Source produces items one at a time. It returns io.EOF once there are no
// more items. A Source is only ever pulled by the stream that wraps it.
type Source[V any] interface {
	Next(ctx context.Context) (V, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[V any] func(ctx context.Context) (V, error)

func (f SourceFunc[V]) Next(ctx context.Context) (V, error) {
	return f(ctx)
}

// FromSlice returns a Source yielding items in order.
func FromSlice[V any](items []V) Source[V] {
	i := 0
	return SourceFunc[V](func(context.Context) (V, error) {
		var zero V
		if i >= len(items) {
			return zero, io.EOF
		}
		i++
		return items[i-1], nil
	})
}

// FromChannel returns a Source yielding values received from ch until it is
// closed. A done ctx interrupts the wait.
func FromChannel[V any](ch <-chan V) Source[V] {
	return SourceFunc[V](func(ctx context.Context) (V, error) {
		var zero V
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, io.EOF
			}
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	})
}

// Stream is a replayable sequence of T.
//
// Cursors share the stream under a mutex, so concurrent traversal is memory
// safe. It is not a supported read mode though: while the first pass is
// still in progress, which consumer receives a freshly pulled item first is
// unspecified. Callbacks run by derived operators must not consume the stream
// they are attached to.
//
// Only one pull runs at a time. A pending pull never blocks introspection or
// reads of buffered items.
type Stream[T any] struct {
	mu sync.Mutex

	pull    func(ctx context.Context) (T, error)
	pulling chan struct{}
	state   State
	items   []T
	err     error
}

// errNotBuffered reports that the item at a position needs a pull.
var errNotBuffered = errors.New("stream: item not buffered")

// New wraps src, converting each item with transform. A nil transform
// asserts each item to T and fails the stream if the assertion does not hold.
func New[V, T any](src Source[V], transform func(V) (T, error)) *Stream[T] {
	if transform == nil {
		transform = func(v V) (T, error) {
			t, ok := any(v).(T)
			if !ok {
				var zero T
				return zero, &TypeError{Value: v}
			}
			return t, nil
		}
	}

	return &Stream[T]{
		pull: func(ctx context.Context) (T, error) {
			v, err := src.Next(ctx)
			if err != nil {
				var zero T
				return zero, err
			}
			return transform(v)
		},
	}
}

// From wraps src without transforming its items.
func From[T any](src Source[T]) *Stream[T] {
	return &Stream[T]{pull: src.Next}
}

// Of returns an already exhausted stream holding items.
func Of[T any](items ...T) *Stream[T] {
	return &Stream[T]{
		state: Exhausted,
		items: items,
	}
}

// at returns the item at pos, pulling from the source when pos is past the
// buffer. Waiting for another consumer's pull ends when ctx is done.
func (s *Stream[T]) at(ctx context.Context, pos int) (T, error) {
	for {
		s.mu.Lock()
		item, err := s.buffered(pos)
		if s.pulling == nil {
			s.pulling = make(chan struct{}, 1)
		}
		token := s.pulling
		s.mu.Unlock()

		if err != errNotBuffered {
			return item, err
		}

		select {
		case token <- struct{}{}:
		default:
			// another consumer is pulling
			select {
			case token <- struct{}{}:
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			}
		}
		s.fill(ctx, pos, token)
	}
}

// buffered returns the outcome at pos, or errNotBuffered when it takes a
// pull. The caller must hold mu.
func (s *Stream[T]) buffered(pos int) (T, error) {
	var zero T
	if pos < len(s.items) {
		return s.items[pos], nil
	}

	switch s.state {
	case Exhausted:
		return zero, io.EOF
	case Errored:
		return zero, s.err
	}
	return zero, errNotBuffered
}

// fill pulls one item from the source unless another consumer already
// produced pos, then hands token back. It is the single place where state
// transitions happen.
func (s *Stream[T]) fill(ctx context.Context, pos int, token chan struct{}) {
	defer func() { <-token }()

	s.mu.Lock()
	if _, err := s.buffered(pos); err != errNotBuffered {
		s.mu.Unlock()
		return
	}
	s.state = InProgress
	s.mu.Unlock()

	item, err := s.pull(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == io.EOF:
		s.state = Exhausted
	case err != nil:
		s.state = Errored
		s.err = err
	default:
		s.items = append(s.items, item)
	}
}

// Iterator returns a cursor positioned before the first item.
func (s *Stream[T]) Iterator() *Iterator[T] {
	return &Iterator[T]{s: s}
}

// All returns an iterator for range-over-func. Iteration stops at the end of
// the stream or after yielding the first error. Breaking out of the loop
// leaves the stream where it is; it does not mark it exhausted.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := s.Iterator()
		for {
			item, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(item, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// State reports the current lifecycle state.
func (s *Stream[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Completed reports whether the stream reached Exhausted or Errored.
func (s *Stream[T]) Completed() bool {
	st := s.State()
	return st == Exhausted || st == Errored
}

// Err returns the error that ended the stream, if any.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Len returns the number of buffered items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Iterator is a cursor over a Stream. It is not safe for concurrent use;
// create one Iterator per consumer.
type Iterator[T any] struct {
	s   *Stream[T]
	pos int
}

// Next returns the next item, io.EOF at the end of the stream, or the error
// that ended the stream.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	item, err := it.s.at(ctx, it.pos)
	if err != nil {
		return item, err
	}
	it.pos++
	return item, nil
}
