// Package stream provides cursor pagination and channel-backed result
// streaming for queries too large to materialize in one response.
package stream

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("stream: closed")

// Cursor tracks a position in a paginated result set. The caller passes the
// same cursor back to fetch the next page; HasMore turns false once the
// producer has handed out the final page.
type Cursor struct {
	ID       string
	Position uint64
	PageSize int
	HasMore  bool

	// producer bookkeeping for shard-sequential scans
	shardIdx    int
	shardOffset int
}

func NewCursor(pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Cursor{
		ID:       uuid.New().String(),
		PageSize: pageSize,
		HasMore:  true,
	}
}

// Advance moves the cursor forward by count results.
func (c *Cursor) Advance(count int) {
	c.Position += uint64(count)
}

// Complete marks the cursor exhausted.
func (c *Cursor) Complete() {
	c.HasMore = false
}

// Shard returns the producer's current shard index and offset within it.
func (c *Cursor) Shard() (int, int) {
	return c.shardIdx, c.shardOffset
}

// SetShard records the producer's scan position for the next page.
func (c *Cursor) SetShard(idx, offset int) {
	c.shardIdx = idx
	c.shardOffset = offset
}

type item[T any] struct {
	val T
	err error
}

// ResultStream is the consuming end of a streamed result set. Results arrive
// in producer order; the first error terminates the stream.
type ResultStream[T any] struct {
	ch       chan item[T]
	complete bool
}

// Sender is the producing end. Closing it (or sending an error) ends the
// stream.
type Sender[T any] struct {
	ch chan item[T]
}

// New builds a connected sender/stream pair with the given buffer size.
func New[T any](bufferSize int) (*Sender[T], *ResultStream[T]) {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	ch := make(chan item[T], bufferSize)
	return &Sender[T]{ch: ch}, &ResultStream[T]{ch: ch}
}

// Send delivers one result, blocking until the consumer has room or ctx is
// done.
func (s *Sender[T]) Send(ctx context.Context, val T) error {
	select {
	case s.ch <- item[T]{val: val}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendError delivers a terminal error and closes the stream.
func (s *Sender[T]) SendError(ctx context.Context, err error) {
	select {
	case s.ch <- item[T]{err: err}:
	case <-ctx.Done():
	}
	close(s.ch)
}

// Close ends the stream normally.
func (s *Sender[T]) Close() {
	close(s.ch)
}

// Next returns the next result, blocking until one arrives, the stream ends
// (ok=false), or ctx is done.
func (r *ResultStream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if r.complete {
		return zero, false, nil
	}
	select {
	case it, open := <-r.ch:
		if !open {
			r.complete = true
			return zero, false, nil
		}
		if it.err != nil {
			r.complete = true
			return zero, false, it.err
		}
		return it.val, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// TryNext returns the next result without blocking; ok=false with a nil
// error means nothing is ready yet or the stream has ended.
func (r *ResultStream[T]) TryNext() (T, bool, error) {
	var zero T
	if r.complete {
		return zero, false, nil
	}
	select {
	case it, open := <-r.ch:
		if !open {
			r.complete = true
			return zero, false, nil
		}
		if it.err != nil {
			r.complete = true
			return zero, false, it.err
		}
		return it.val, true, nil
	default:
		return zero, false, nil
	}
}

// Collect drains the stream into a slice.
func (r *ResultStream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for {
		val, ok, err := r.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, val)
	}
}

// IsComplete reports whether the stream has ended.
func (r *ResultStream[T]) IsComplete() bool {
	return r.complete
}
