package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/presto/transport"
)

func newHandle(t *testing.T, b *Backend, name string) transport.Handle {
	t.Helper()
	h, err := b.CreateOrGet(context.Background(), name, transport.RoleInput)
	require.NoError(t, err)
	return h
}

func TestRegisteredWithCapabilities(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.MemoryCapabilities, Capabilities())
	assert.Equal(t, 0, Capabilities().MaxBatchSize)
}

func TestSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	b := New(Config{PollTimeout: 10 * time.Millisecond})
	h := newHandle(t, b, "echo")

	for i := range 5 {
		require.NoError(t, b.Send(ctx, h, []byte(fmt.Sprintf("m%d", i)), transport.SendOptions{}))
	}

	got, err := b.ReceiveBatch(ctx, h, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m0", string(got[0].Body))
	assert.Equal(t, "m2", string(got[2].Body))
	assert.Equal(t, 3, b.InFlight("echo"))

	pending, err := b.Pending(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	tokens := []transport.AckToken{got[0].Token, got[1].Token, got[2].Token}
	require.NoError(t, b.DeleteBatch(ctx, h, tokens))
	assert.Equal(t, 0, b.InFlight("echo"))
	assert.Len(t, b.Snapshot("echo"), 2)
}

func TestReceiveNoCapOnLargeBatch(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	h := newHandle(t, b, "big")
	for range 40 {
		require.NoError(t, b.Send(ctx, h, []byte("x"), transport.SendOptions{}))
	}

	got, err := b.ReceiveBatch(ctx, h, 40)
	require.NoError(t, err)
	assert.Len(t, got, 40)
}

func TestReceiveEmptyTimesOut(t *testing.T) {
	b := New(Config{PollTimeout: 20 * time.Millisecond})
	h := newHandle(t, b, "empty")

	start := time.Now()
	got, err := b.ReceiveBatch(context.Background(), h, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReceiveWakesOnSend(t *testing.T) {
	b := New(Config{PollTimeout: 2 * time.Second})
	h := newHandle(t, b, "wake")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Send(context.Background(), h, []byte("late"), transport.SendOptions{})
	}()

	got, err := b.ReceiveBatch(context.Background(), h, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", string(got[0].Body))
}

func TestReceiveHonoursContext(t *testing.T) {
	b := New(Config{PollTimeout: time.Minute})
	h := newHandle(t, b, "ctx")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.ReceiveBatch(ctx, h, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	h := newHandle(t, b, "release")
	require.NoError(t, b.Send(ctx, h, []byte("a"), transport.SendOptions{}))
	require.NoError(t, b.Send(ctx, h, []byte("b"), transport.SendOptions{}))

	got, err := b.ReceiveBatch(ctx, h, 1)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, h, []transport.AckToken{got[0].Token}))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, b.Snapshot("release"))
	assert.Equal(t, 0, b.InFlight("release"))
}

func TestClosed(t *testing.T) {
	b := New(Config{})
	h := newHandle(t, b, "closed")
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Send(context.Background(), h, []byte("x"), transport.SendOptions{}), transport.ErrClosed)
	_, err := b.ReceiveBatch(context.Background(), h, 1)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
