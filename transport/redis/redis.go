// Package redis provides a list-backed queue backend on Redis. Each queue is
// a list; received messages move atomically to a companion processing list
// and are removed from it on delete.
//
// Every received message also gets a lease in a sorted set scored by its
// deadline. Before each receive, entries whose lease expired are moved from
// the processing list back to the head of the queue, so messages held by a
// consumer that died reappear after the visibility timeout.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	goredis "github.com/redis/go-redis/v9"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "redis"

const (
	// DefaultPollTimeout is how long the first pop blocks on an empty list.
	// Redis counts blocking timeouts in whole seconds.
	DefaultPollTimeout = time.Second
	// DefaultVisibilityTimeout is how long a received message stays leased.
	DefaultVisibilityTimeout = 2 * time.Minute
	processingSuffix         = ":processing"
	leasesSuffix             = ":leases"
	// entrySep separates the lease id from the payload in processing
	// entries.
	entrySep = "|"
)

// restoreLua pushes the payload of a processing entry back to the head of
// the queue if the entry was still in the processing list.
const restoreLua = `
local function restore(queue, processing, leases, entry)
  redis.call('ZREM', leases, entry)
  if redis.call('LREM', processing, 1, entry) == 0 then
    return 0
  end
  local sep = string.find(entry, '|', 1, true)
  if sep then
    redis.call('LPUSH', queue, string.sub(entry, sep + 1))
  else
    redis.call('LPUSH', queue, entry)
  end
  return 1
end
`

var (
	// KEYS: queue, processing, leases. ARGV: deadline, lease ids...
	receiveScript = goredis.NewScript(`
local out = {}
for i = 2, #ARGV do
  local payload = redis.call('LPOP', KEYS[1])
  if not payload then
    break
  end
  local entry = ARGV[i] .. '|' .. payload
  redis.call('RPUSH', KEYS[2], entry)
  redis.call('ZADD', KEYS[3], ARGV[1], entry)
  out[#out + 1] = entry
end
return out
`)

	// KEYS: queue, processing, leases. ARGV: now.
	reapScript = goredis.NewScript(restoreLua + `
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local restored = 0
for i = #expired, 1, -1 do
  restored = restored + restore(KEYS[1], KEYS[2], KEYS[3], expired[i])
end
return restored
`)

	// KEYS: queue, processing, leases. ARGV: entries in receive order.
	releaseScript = goredis.NewScript(restoreLua + `
local restored = 0
for i = #ARGV, 1, -1 do
  restored = restored + restore(KEYS[1], KEYS[2], KEYS[3], ARGV[i])
end
return restored
`)
)

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a Redis backend from the configured URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	opts, err := goredis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := ClientFactory(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Error("Failed to reach Redis", err, watermill.LogFields{"addr": opts.Addr})
		return nil, prestoerrors.Transient("redis ping", err)
	}
	logger.Info("Connected to Redis queue backend", watermill.LogFields{"addr": opts.Addr, "db": opts.DB})
	return New(client, Config{
		PollTimeout:       cfg.GetPollTimeout(),
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
	}), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// Config holds Redis backend settings.
type Config struct {
	PollTimeout time.Duration
	// VisibilityTimeout is how long a received message may stay undeleted
	// before it goes back to the queue.
	VisibilityTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout < DefaultPollTimeout {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	return c
}

// Backend implements transport.Backend on Redis lists.
type Backend struct {
	client goredis.UniversalClient
	config Config
	now    func() time.Time
}

// New wraps an existing client. The backend takes ownership of it.
func New(client goredis.UniversalClient, cfg Config) *Backend {
	return &Backend{client: client, config: cfg.withDefaults(), now: time.Now}
}

func processingKey(h transport.Handle) string {
	return h.Locator + processingSuffix
}

func leasesKey(h transport.Handle) string {
	return h.Locator + leasesSuffix
}

func keys(h transport.Handle) []string {
	return []string{h.Locator, processingKey(h), leasesKey(h)}
}

// CreateOrGet only builds the handle; Redis lists exist implicitly.
func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	return transport.Handle{Name: name, Locator: name, Role: role}, nil
}

func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	if err := b.client.RPush(ctx, h.Locator, payload).Err(); err != nil {
		return prestoerrors.Transient("redis rpush", err)
	}
	return nil
}

// ReceiveBatch first returns expired leases to the queue, then atomically
// moves up to max messages to the processing list. When the queue is empty
// it blocks until a message arrives or the poll timeout passes.
func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	if max < 1 {
		max = 1
	}
	if _, err := b.Reap(ctx, h); err != nil {
		return nil, err
	}

	out, err := b.take(ctx, h, max)
	if err != nil || len(out) > 0 {
		return out, err
	}

	// Rotating the head onto itself waits without taking the message.
	err = b.client.BLMove(ctx, h.Locator, h.Locator, "LEFT", "LEFT", b.config.PollTimeout).Err()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, prestoerrors.Transient("redis blmove", err)
	}
	return b.take(ctx, h, max)
}

func (b *Backend) take(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	args := make([]any, 0, max+1)
	args = append(args, b.now().Add(b.config.VisibilityTimeout).UnixMilli())
	for _, id := range ids.CreateULIDs(max) {
		args = append(args, id)
	}
	entries, err := receiveScript.Run(ctx, b.client, keys(h), args...).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, prestoerrors.Transient("redis receive", err)
	}
	out := make([]transport.Received, len(entries))
	for i, entry := range entries {
		out[i] = received(entry)
	}
	return out, nil
}

func received(entry string) transport.Received {
	payload := entry
	if _, rest, ok := strings.Cut(entry, entrySep); ok {
		payload = rest
	}
	return transport.Received{Body: []byte(payload), Token: transport.AckToken(entry)}
}

// Reap moves messages whose lease expired back to the head of the queue,
// oldest deadline first, and reports how many it restored.
func (b *Backend) Reap(ctx context.Context, h transport.Handle) (int64, error) {
	n, err := reapScript.Run(ctx, b.client, keys(h), b.now().UnixMilli()).Int64()
	if err != nil {
		return 0, prestoerrors.Transient("redis reap", err)
	}
	return n, nil
}

// DeleteBatch removes one processing-list entry and its lease per token.
func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	dst, leases := processingKey(h), leasesKey(h)
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, token := range tokens {
			pipe.ZRem(ctx, leases, string(token))
			pipe.LRem(ctx, dst, 1, string(token))
		}
		return nil
	})
	if err != nil {
		return prestoerrors.Transient("redis lrem", err)
	}
	return nil
}

// Release moves processing entries back to the head of the queue in their
// original order. Entries already reaped are skipped.
func (b *Backend) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	if len(tokens) == 0 {
		return nil
	}
	args := make([]any, len(tokens))
	for i, token := range tokens {
		args[i] = string(token)
	}
	if err := releaseScript.Run(ctx, b.client, keys(h), args...).Err(); err != nil {
		return prestoerrors.Transient("redis release", err)
	}
	return nil
}

// Pending returns the list length.
func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	n, err := b.client.LLen(ctx, h.Locator).Result()
	if err != nil {
		return 0, prestoerrors.Transient("redis llen", err)
	}
	return n, nil
}

// InFlight returns the processing list length.
func (b *Backend) InFlight(ctx context.Context, h transport.Handle) (int64, error) {
	n, err := b.client.LLen(ctx, processingKey(h)).Result()
	if err != nil {
		return 0, prestoerrors.Transient("redis llen", err)
	}
	return n, nil
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

func (b *Backend) Close() error {
	return b.client.Close()
}
