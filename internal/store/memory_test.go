package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore_KeyValue tests get, set, expiry and delete
func TestMemoryStore_KeyValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewMock()
	s := NewMemoryStore(clk)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	clk.Add(time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "expired")

	require.NoError(t, s.Set(ctx, "k2", []byte("v2"), 0))
	require.NoError(t, s.Expire(ctx, "k2", time.Second))
	clk.Add(2 * time.Second)
	_, err = s.Get(ctx, "k2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k3", []byte("v3"), 0))
	require.NoError(t, s.Delete(ctx, "k3"))
	_, err = s.Get(ctx, "k3")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMemoryStore_Lists tests bounded push, range and drain
func TestMemoryStore_Lists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(clock.NewMock())

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ListPush(ctx, "q", []byte(v), 3, time.Hour))
	}

	got, err := s.ListRange(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c"), []byte("d")}, got)

	drained, err := s.ListDrain(ctx, "q")
	require.NoError(t, err)
	assert.Len(t, drained, 3)

	got, err = s.ListRange(ctx, "q")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestMemoryStore_Sets tests set membership
func TestMemoryStore_Sets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(nil)

	require.NoError(t, s.SetAdd(ctx, "blocked", "10.0.0.2", "10.0.0.1", "10.0.0.1"))
	members, err := s.SetMembers(ctx, "blocked")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, members)

	require.NoError(t, s.SetRemove(ctx, "blocked", "10.0.0.1", "10.0.0.2"))
	members, err = s.SetMembers(ctx, "blocked")
	require.NoError(t, err)
	assert.Empty(t, members)
}

// TestMemoryStore_PubSub tests channel filtering and close
func TestMemoryStore_PubSub(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := NewMemoryStore(nil)
	sub, err := s.Subscribe(ctx, "a", "b")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "c", []byte("ignored")))
	require.NoError(t, s.Publish(ctx, "b", []byte("hello")))

	msg, err := sub.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)

	require.NoError(t, sub.Close())
	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish(ctx, "a", nil), ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

// TestMemoryStore_ReceiveHonoursContext tests cancellation while waiting
func TestMemoryStore_ReceiveHonoursContext(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	sub, err := s.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
