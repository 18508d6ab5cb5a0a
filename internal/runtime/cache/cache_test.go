package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
)

type sample struct {
	Text string `json:"text"`
}

func newRedisCache(t *testing.T) (*ResultCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := New(NewRedisStore(client), Options{TTL: time.Hour})
	require.NoError(t, err)
	return c, mr
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestOptions_withDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultTTL, o.TTL)
	assert.Equal(t, DefaultKeyPrefix, o.KeyPrefix)

	o = Options{TTL: time.Minute, KeyPrefix: "x:"}.withDefaults()
	assert.Equal(t, time.Minute, o.TTL)
	assert.Equal(t, "x:", o.KeyPrefix)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()

	t.Run("set then get", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, c.Set(ctx, "abc", sample{Text: "HELLO"}, 0))
		assert.True(t, mr.Exists(DefaultKeyPrefix+"abc"))
		assert.Equal(t, time.Hour, mr.TTL(DefaultKeyPrefix+"abc"))

		var got sample
		hit, err := c.Get(ctx, "abc", &got, false)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, "HELLO", got.Text)
	})

	t.Run("miss", func(t *testing.T) {
		c, _ := newRedisCache(t)
		var got sample
		hit, err := c.Get(ctx, "nope", &got, true)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("empty hash is a miss and a no-op", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, c.Set(ctx, "", sample{Text: "x"}, 0))
		assert.Empty(t, mr.Keys())
		hit, err := c.Get(ctx, "", &sample{}, true)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("reset ttl slides expiry", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, c.Set(ctx, "abc", sample{Text: "x"}, 0))
		mr.FastForward(50 * time.Minute)
		assert.Equal(t, 10*time.Minute, mr.TTL(DefaultKeyPrefix+"abc"))

		hit, err := c.Get(ctx, "abc", &sample{}, true)
		require.NoError(t, err)
		require.True(t, hit)
		assert.Equal(t, time.Hour, mr.TTL(DefaultKeyPrefix+"abc"))
	})

	t.Run("get without reset keeps expiry", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, c.Set(ctx, "abc", sample{Text: "x"}, 0))
		mr.FastForward(30 * time.Minute)
		_, err := c.Get(ctx, "abc", &sample{}, false)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, mr.TTL(DefaultKeyPrefix+"abc"))
	})

	t.Run("expired entry misses", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, c.Set(ctx, "abc", sample{Text: "x"}, time.Minute))
		mr.FastForward(2 * time.Minute)
		hit, err := c.Get(ctx, "abc", &sample{}, false)
		require.NoError(t, err)
		assert.False(t, hit)
	})

	t.Run("store errors are transient", func(t *testing.T) {
		c, mr := newRedisCache(t)
		mr.SetError("LOADING")
		_, err := c.Get(ctx, "abc", &sample{}, false)
		assert.ErrorIs(t, err, prestoerrors.ErrTransientBackend)
	})

	t.Run("undecodable entry is transient", func(t *testing.T) {
		c, mr := newRedisCache(t)
		require.NoError(t, mr.Set(DefaultKeyPrefix+"bad", "not json"))
		_, err := c.Get(ctx, "bad", &sample{}, false)
		assert.ErrorIs(t, err, prestoerrors.ErrTransientBackend)
	})
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)
	c, err := New(store, Options{KeyPrefix: "t:"})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, c.TTL())

	require.NoError(t, c.Set(ctx, "h1", sample{Text: "a"}, 0))
	require.NoError(t, c.Set(ctx, "h1", sample{Text: "b"}, 0))
	assert.Equal(t, 1, store.Len())

	var got sample
	hit, err := c.Get(ctx, "h1", &got, true)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "b", got.Text, "last write wins")

	require.NoError(t, c.Set(ctx, "short", sample{Text: "s"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	hit, err = c.Get(ctx, "short", &got, false)
	require.NoError(t, err)
	assert.False(t, hit)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (brokenStore) Touch(context.Context, string, time.Duration) error { return errors.New("down") }

func TestSetError(t *testing.T) {
	c, err := New(brokenStore{}, Options{})
	require.NoError(t, err)
	err = c.Set(context.Background(), "h", sample{}, 0)
	assert.ErrorIs(t, err, prestoerrors.ErrTransientBackend)
	assert.Equal(t, prestoerrors.CategoryTransient, prestoerrors.Classify(err))
}
