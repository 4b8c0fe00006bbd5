package stream

import (
	"context"
	"io"
	"reflect"
)

// Every derived stream reads its parent through a fresh Iterator, so it sees
// the parent from the first item regardless of how far other consumers got.

// Map returns a stream of fn applied to each item of s.
func Map[T, U any](s *Stream[T], fn func(T) U) *Stream[U] {
	return New[T, U](s.Iterator(), func(item T) (U, error) {
		return fn(item), nil
	})
}

// Filter returns a stream of the items of s satisfying pred.
func (s *Stream[T]) Filter(pred func(T) bool) *Stream[T] {
	parent := s.Iterator()
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		for {
			item, err := parent.Next(ctx)
			if err != nil {
				return item, err
			}
			if pred(item) {
				return item, nil
			}
		}
	}))
}

// Tap returns a stream forwarding the items of s unchanged, calling action
// with each item as it passes through.
func (s *Stream[T]) Tap(action func(T)) *Stream[T] {
	parent := s.Iterator()
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		item, err := parent.Next(ctx)
		if err != nil {
			return item, err
		}
		action(item)
		return item, nil
	}))
}

// Take returns a stream of at most the first n items of s. The parent is not
// pulled past the n-th item.
func (s *Stream[T]) Take(n int) *Stream[T] {
	parent := s.Iterator()
	count := 0
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		if count >= n {
			var zero T
			return zero, io.EOF
		}
		item, err := parent.Next(ctx)
		if err != nil {
			return item, err
		}
		count++
		return item, nil
	}))
}

// Skip returns a stream of the items of s after the first n.
func (s *Stream[T]) Skip(n int) *Stream[T] {
	parent := s.Iterator()
	skipped := 0
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		for skipped < n {
			if _, err := parent.Next(ctx); err != nil {
				var zero T
				return zero, err
			}
			skipped++
		}
		return parent.Next(ctx)
	}))
}

// TakeWhile returns a stream of the leading items of s satisfying pred. The
// first failing item ends the stream and is not forwarded.
func (s *Stream[T]) TakeWhile(pred func(T) bool) *Stream[T] {
	parent := s.Iterator()
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		item, err := parent.Next(ctx)
		if err != nil {
			return item, err
		}
		if !pred(item) {
			var zero T
			return zero, io.EOF
		}
		return item, nil
	}))
}

// Chunk returns a stream of consecutive batches of up to size items. The last
// batch may be shorter. A size below one is treated as one.
func Chunk[T any](s *Stream[T], size int) *Stream[[]T] {
	if size < 1 {
		size = 1
	}

	parent := s.Iterator()
	return From[[]T](SourceFunc[[]T](func(ctx context.Context) ([]T, error) {
		batch := make([]T, 0, size)
		for len(batch) < size {
			item, err := parent.Next(ctx)
			if err == io.EOF && len(batch) > 0 {
				return batch, nil
			}
			if err != nil {
				return nil, err
			}
			batch = append(batch, item)
		}
		return batch, nil
	}))
}

// Indexed pairs an item with its position.
type Indexed[T any] struct {
	Index int
	Item  T
}

// Enumerate returns a stream pairing each item of s with an index counting up
// from start.
func Enumerate[T any](s *Stream[T], start int) *Stream[Indexed[T]] {
	index := start
	return New[T, Indexed[T]](s.Iterator(), func(item T) (Indexed[T], error) {
		i := Indexed[T]{Index: index, Item: item}
		index++
		return i, nil
	})
}

// OnExhausted returns a stream forwarding the items of s that calls fn once,
// on the consumer's goroutine, when the end of s is reached. fn never runs if
// the stream errors or if consumers stop before the end.
func (s *Stream[T]) OnExhausted(fn func(ctx context.Context)) *Stream[T] {
	parent := s.Iterator()
	return From[T](SourceFunc[T](func(ctx context.Context) (T, error) {
		item, err := parent.Next(ctx)
		if err == io.EOF {
			fn(ctx)
		}
		return item, err
	}))
}

// ForEach drives the stream to the end, calling fn with every item. It stops
// at the first error returned by fn or by the stream.
func (s *Stream[T]) ForEach(ctx context.Context, fn func(context.Context, T) error) error {
	for item, err := range s.All(ctx) {
		if err != nil {
			return err
		}
		if err := fn(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Collect drives the stream to the end and returns every item.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var items []T
	for item, err := range s.All(ctx) {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Every reports whether pred holds for every item. It returns at the first
// failing item without reading further. A nil pred tests that items are not
// the zero value.
func (s *Stream[T]) Every(ctx context.Context, pred func(T) bool) (bool, error) {
	if pred == nil {
		pred = func(item T) bool {
			return !reflect.ValueOf(&item).Elem().IsZero()
		}
	}

	for item, err := range s.All(ctx) {
		if err != nil {
			return false, err
		}
		if !pred(item) {
			return false, nil
		}
	}
	return true, nil
}

// Reduce folds the stream into a single value.
func Reduce[T, U any](ctx context.Context, s *Stream[T], fn func(U, T) U, initial U) (U, error) {
	acc := initial
	for item, err := range s.All(ctx) {
		if err != nil {
			return acc, err
		}
		acc = fn(acc, item)
	}
	return acc, nil
}
