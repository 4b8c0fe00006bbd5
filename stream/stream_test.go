//go:build !integration

package stream

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSource records how many times it was pulled.
type countingSource struct {
	items []int
	pulls int
	err   error // returned instead of io.EOF once items run out
}

func (c *countingSource) Next(context.Context) (int, error) {
	c.pulls++
	if len(c.items) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	item := c.items[0]
	c.items = c.items[1:]
	return item, nil
}

func TestStreamMemoizesFirstPass(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{items: []int{1, 2, 3}}
	s := From[int](src)

	assert.Equal(t, NotStarted, s.State())

	first, err := s.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, first)
	assert.Equal(t, 4, src.pulls, "three items plus the EOF pull")
	assert.Equal(t, Exhausted, s.State())

	second, err := s.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, second)
	assert.Equal(t, 4, src.pulls, "replay must not touch the source")

	assert.True(t, s.Completed())
	assert.NoError(t, s.Err())
	assert.Equal(t, 3, s.Len())
}

func TestStreamTransform(t *testing.T) {
	s := New[int, string](FromSlice([]int{1, 2}), func(v int) (string, error) {
		return strconv.Itoa(v * 10), nil
	})

	got, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "20"}, got)
}

func TestStreamNilTransformAssertsType(t *testing.T) {
	s := New[any, string](FromSlice([]any{"a", 1}), nil)

	got, err := s.Collect(context.Background())

	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, Errored, s.State())
}

func TestStreamRecordsFirstError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream reset")
	src := &countingSource{items: []int{1, 2}, err: boom}
	s := From[int](src)

	got, err := s.Collect(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, Errored, s.State())
	assert.ErrorIs(t, s.Err(), boom)
	assert.True(t, s.Completed())

	// later traversals replay the buffer then report the same error
	got, err = s.Collect(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 3, src.pulls)
}

func TestStreamEarlyBreakIsNotExhaustion(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{items: []int{1, 2, 3}}
	s := From[int](src)

	for item, err := range s.All(ctx) {
		require.NoError(t, err)
		if item == 1 {
			break
		}
	}

	assert.Equal(t, InProgress, s.State())
	assert.False(t, s.Completed())
	assert.Equal(t, 1, s.Len())

	// a later full pass resumes from the source after the buffer
	got, err := s.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 4, src.pulls)
}

func TestOf(t *testing.T) {
	s := Of(1, 2)
	assert.Equal(t, Exhausted, s.State())

	got, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)
}

func TestFromChannel(t *testing.T) {
	ch := make(chan string, 2)
	ch <- "Hel"
	ch <- "lo"
	close(ch)

	got, err := From(FromChannel(ch)).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestFromChannelCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := From(FromChannel(make(chan int)))
	_, err := s.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Errored, s.State())
}

func TestIntrospectionDuringPull(t *testing.T) {
	ctx := context.Background()
	ch := make(chan int, 1)
	waiting := make(chan struct{}, 2)
	channel := FromChannel(ch)
	s := From[int](SourceFunc[int](func(ctx context.Context) (int, error) {
		waiting <- struct{}{}
		return channel.Next(ctx)
	}))

	ch <- 1
	first, err := s.Iterator().Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first)
	<-waiting

	pulled := make(chan int)
	go func() {
		it := s.Iterator()
		_, _ = it.Next(ctx)
		v, _ := it.Next(ctx)
		pulled <- v
	}()
	<-waiting

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Equal(t, 1, s.Len())
		assert.Equal(t, InProgress, s.State())
		assert.False(t, s.Completed())
		assert.NoError(t, s.Err())

		v, err := s.Iterator().Next(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, v, "buffered items replay while a pull is pending")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("introspection waited on the pending pull")
	}

	ch <- 2
	assert.Equal(t, 2, <-pulled)
}

func TestWaitingForPullHonorsContext(t *testing.T) {
	ch := make(chan int)
	s := From(FromChannel(ch))

	go func() { _, _ = s.Iterator().Next(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == InProgress }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Iterator().Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, InProgress, s.State(), "a waiter giving up does not end the stream")

	close(ch)
}

func TestStreamConcurrentConsumers(t *testing.T) {
	ctx := context.Background()
	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	src := &countingSource{items: items}
	s := From[int](src)

	var wg sync.WaitGroup
	results := make([][]int, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Collect(ctx)
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, items, got)
	}
	assert.Equal(t, 101, src.pulls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_started", NotStarted.String())
	assert.Equal(t, "in_progress", InProgress.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "errored", Errored.String())
	assert.Equal(t, "unknown", State(42).String())
}
