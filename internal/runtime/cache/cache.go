// Package cache stores kernel results keyed by content hash so identical
// inputs are computed once. Entries expire after a TTL that slides on reads
// when asked to.
package cache

import (
	"context"
	"errors"
	"time"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultKeyPrefix = "presto:cache:"
)

// ErrStoreRequired is returned by New without a store.
var ErrStoreRequired = errors.New("presto: cache store is required")

// Store is a byte-oriented key/value store with expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Touch resets the expiry of an existing key.
	Touch(ctx context.Context, key string, ttl time.Duration) error
}

// Options tunes a ResultCache.
type Options struct {
	TTL       time.Duration
	KeyPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	return o
}

// ResultCache maps content hashes to JSON-encoded results.
type ResultCache struct {
	store Store
	opts  Options
}

// New wraps store.
func New(store Store, opts Options) (*ResultCache, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	return &ResultCache{store: store, opts: opts.withDefaults()}, nil
}

// TTL reports the default entry lifetime.
func (c *ResultCache) TTL() time.Duration {
	return c.opts.TTL
}

func (c *ResultCache) key(hash string) string {
	return c.opts.KeyPrefix + hash
}

// Get decodes the cached value for hash into dst. An empty hash is always a
// miss. With resetTTL a hit extends the entry's lifetime.
func (c *ResultCache) Get(ctx context.Context, hash string, dst any, resetTTL bool) (bool, error) {
	if hash == "" {
		return false, nil
	}
	key := c.key(hash)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, prestoerrors.Transient("cache get", err)
	}
	if !ok {
		return false, nil
	}
	if err := jsoncodec.Unmarshal(data, dst); err != nil {
		return false, prestoerrors.Transient("cache decode", err)
	}
	if resetTTL {
		if err := c.store.Touch(ctx, key, c.opts.TTL); err != nil {
			return true, prestoerrors.Transient("cache touch", err)
		}
	}
	return true, nil
}

// Set stores value under hash. A zero ttl uses the default. An empty hash
// is a no-op.
func (c *ResultCache) Set(ctx context.Context, hash string, value any, ttl time.Duration) error {
	if hash == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = c.opts.TTL
	}
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.key(hash), data, ttl); err != nil {
		return prestoerrors.Transient("cache set", err)
	}
	return nil
}
