package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorLifecycle(t *testing.T) {
	c := NewCursor(25)
	assert.NotEmpty(t, c.ID)
	assert.True(t, c.HasMore)
	assert.EqualValues(t, 0, c.Position)

	c.Advance(25)
	assert.EqualValues(t, 25, c.Position)

	c.SetShard(2, 7)
	idx, off := c.Shard()
	assert.Equal(t, 2, idx)
	assert.Equal(t, 7, off)

	c.Complete()
	assert.False(t, c.HasMore)
}

func TestCursorDefaultPageSize(t *testing.T) {
	c := NewCursor(0)
	assert.Equal(t, 100, c.PageSize)
}

func TestStreamDeliversInOrder(t *testing.T) {
	sender, results := New[int](4)
	go func() {
		for i := 1; i <= 10; i++ {
			require.NoError(t, sender.Send(context.Background(), i))
		}
		sender.Close()
	}()

	got, err := results.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.True(t, results.IsComplete())

	// a drained stream keeps returning not-ok
	_, ok, err := results.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamErrorTerminates(t *testing.T) {
	boom := errors.New("boom")
	sender, results := New[string](1)
	go func() {
		require.NoError(t, sender.Send(context.Background(), "first"))
		sender.SendError(context.Background(), boom)
	}()

	got, err := results.Collect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first"}, got)
	assert.True(t, results.IsComplete())
}

func TestTryNextDoesNotBlock(t *testing.T) {
	sender, results := New[int](2)

	_, ok, err := results.TryNext()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sender.Send(context.Background(), 42))
	val, ok, err := results.TryNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, val)

	sender.Close()
	_, ok, err = results.TryNext()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, results.IsComplete())
}

func TestNextHonorsContext(t *testing.T) {
	_, results := New[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := results.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
