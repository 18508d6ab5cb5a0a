// Package memory provides an in-process, list-backed queue backend. It is
// meant for tests and single-process development setups.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "memory"

// DefaultPollTimeout bounds how long ReceiveBatch waits on an empty queue.
const DefaultPollTimeout = 100 * time.Millisecond

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new memory backend.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	return New(Config{PollTimeout: cfg.GetPollTimeout()}), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Config holds memory backend settings.
type Config struct {
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

type queue struct {
	items    [][]byte
	inflight map[transport.AckToken][]byte
	// ready is closed and replaced whenever an item is pushed.
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{
		inflight: make(map[transport.AckToken][]byte),
		ready:    make(chan struct{}),
	}
}

func (q *queue) push(payload []byte) {
	q.items = append(q.items, payload)
	close(q.ready)
	q.ready = make(chan struct{})
}

// Backend is an in-memory transport.Backend.
type Backend struct {
	config Config

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

// New creates an empty memory backend.
func New(cfg Config) *Backend {
	return &Backend{
		config: cfg.withDefaults(),
		queues: make(map[string]*queue),
	}
}

func (b *Backend) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.Handle{}, transport.ErrClosed
	}
	b.queueLocked(name)
	return transport.Handle{Name: name, Locator: name, Role: role}, nil
}

func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	b.queueLocked(h.Locator).push(append([]byte(nil), payload...))
	return nil
}

// ReceiveBatch waits up to the poll timeout for the first message, then
// drains whatever else is queued up to max.
func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	if max < 1 {
		max = 1
	}
	timer := time.NewTimer(b.config.PollTimeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, transport.ErrClosed
		}
		q := b.queueLocked(h.Locator)
		if len(q.items) > 0 {
			out := b.takeLocked(q, max)
			b.mu.Unlock()
			return out, nil
		}
		ready := q.ready
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-ready:
		}
	}
}

func (b *Backend) takeLocked(q *queue, max int) []transport.Received {
	n := min(max, len(q.items))
	tokens := ids.CreateULIDs(n)
	out := make([]transport.Received, n)
	for i := range n {
		token := transport.AckToken(tokens[i])
		q.inflight[token] = q.items[i]
		out[i] = transport.Received{Body: q.items[i], Token: token}
	}
	q.items = append([][]byte(nil), q.items[n:]...)
	return out
}

// DeleteBatch drops in-flight messages. Unknown tokens are ignored.
func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(h.Locator)
	for _, token := range tokens {
		delete(q.inflight, token)
	}
	return nil
}

// Release returns in-flight messages to the front of the queue.
func (b *Backend) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(h.Locator)
	var released [][]byte
	for _, token := range tokens {
		if payload, ok := q.inflight[token]; ok {
			released = append(released, payload)
			delete(q.inflight, token)
		}
	}
	if len(released) == 0 {
		return nil
	}
	q.items = append(released, q.items...)
	close(q.ready)
	q.ready = make(chan struct{})
	return nil
}

// Pending returns the number of queued, not in-flight, messages.
func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queueLocked(h.Locator).items)), nil
}

// InFlight returns the number of received but undeleted messages.
func (b *Backend) InFlight(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queueLocked(name).inflight)
}

// Snapshot returns copies of the queued payloads in order.
func (b *Backend) Snapshot(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(name)
	out := make([][]byte, len(q.items))
	for i, item := range q.items {
		out[i] = append([]byte(nil), item...)
	}
	return out
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
