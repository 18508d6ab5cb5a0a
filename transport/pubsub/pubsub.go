// Package pubsub adapts a Watermill publisher/subscriber pair to the
// transport.Backend contract. Broker drivers (channel, kafka, rabbitmq, nats)
// build their pair and wrap it with New.
//
// Watermill subscribers hand out one message at a time and wait for its
// Ack or Nack, so the effective batch size is one. DeleteBatch acks and
// Release nacks.
package pubsub

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/transport"
)

// GroupIDMetadataKey carries SendOptions.GroupID on published messages.
const GroupIDMetadataKey = "presto_group_id"

// DefaultPollTimeout bounds how long ReceiveBatch waits for a message.
const DefaultPollTimeout = time.Second

// Config tunes a Bridge.
type Config struct {
	PollTimeout time.Duration
	// Closers are closed after the publisher and subscriber, e.g. a shared
	// broker connection.
	Closers []io.Closer
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

// Bridge implements transport.Backend and transport.Releaser on top of
// Watermill.
type Bridge struct {
	caps       transport.Capabilities
	publisher  message.Publisher
	subscriber message.Subscriber
	config     Config
	logger     watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	streams  map[string]<-chan *message.Message
	inflight map[transport.AckToken]*message.Message
	closed   bool
}

// New wraps publisher and subscriber. They may be the same value.
func New(caps transport.Capabilities, publisher message.Publisher, subscriber message.Subscriber, cfg Config, logger watermill.LoggerAdapter) *Bridge {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		caps:       caps,
		publisher:  publisher,
		subscriber: subscriber,
		config:     cfg.withDefaults(),
		logger:     logger.With(watermill.LogFields{"backend": caps.Name}),
		ctx:        ctx,
		cancel:     cancel,
		streams:    make(map[string]<-chan *message.Message),
		inflight:   make(map[transport.AckToken]*message.Message),
	}
}

// CreateOrGet subscribes to input topics right away so messages published
// before the first receive are not lost on brokers that only route to
// existing subscriptions.
func (b *Bridge) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	h := transport.Handle{Name: name, Locator: name, Role: role}
	if role == transport.RoleInput {
		if _, err := b.stream(ctx, name); err != nil {
			return transport.Handle{}, err
		}
	}
	return h, nil
}

func (b *Bridge) stream(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if ch, ok := b.streams[topic]; ok {
		return ch, nil
	}
	ch, err := b.subscriber.Subscribe(b.ctx, topic)
	if err != nil {
		return nil, prestoerrors.Transient("subscribe "+topic, err)
	}
	b.streams[topic] = ch
	b.logger.Debug("Subscribed to topic", watermill.LogFields{"topic": topic})
	return ch, nil
}

func (b *Bridge) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.SetContext(ctx)
	if opts.GroupID != "" {
		msg.Metadata.Set(GroupIDMetadataKey, opts.GroupID)
	}
	if err := b.publisher.Publish(h.Locator, msg); err != nil {
		return prestoerrors.Transient("publish "+h.Locator, err)
	}
	return nil
}

func (b *Bridge) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	ch, err := b.stream(ctx, h.Locator)
	if err != nil {
		return nil, err
	}
	max = transport.EffectiveBatch(b, max)

	timer := time.NewTimer(b.config.PollTimeout)
	defer timer.Stop()

	var out []transport.Received
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg, ok := <-ch:
		if !ok {
			return nil, transport.ErrClosed
		}
		out = append(out, b.track(msg))
	}
	for len(out) < max {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, b.track(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *Bridge) track(msg *message.Message) transport.Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	token := transport.AckToken(msg.UUID)
	if _, taken := b.inflight[token]; token == "" || taken {
		token = transport.AckToken(ids.CreateULID())
	}
	b.inflight[token] = msg
	return transport.Received{Body: msg.Payload, Token: token}
}

func (b *Bridge) take(tokens []transport.AckToken) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]*message.Message, 0, len(tokens))
	for _, token := range tokens {
		if msg, ok := b.inflight[token]; ok {
			delete(b.inflight, token)
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// DeleteBatch acks the messages. Unknown tokens are ignored.
func (b *Bridge) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	for _, msg := range b.take(tokens) {
		msg.Ack()
	}
	return nil
}

// Release nacks the messages so the broker redelivers them.
func (b *Bridge) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	for _, msg := range b.take(tokens) {
		msg.Nack()
	}
	return nil
}

// InFlight reports how many received messages are neither acked nor nacked.
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *Bridge) Capabilities() transport.Capabilities {
	return b.caps
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close nacks anything still in flight and closes the underlying pair.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]*message.Message, 0, len(b.inflight))
	for token, msg := range b.inflight {
		pending = append(pending, msg)
		delete(b.inflight, token)
	}
	b.mu.Unlock()

	for _, msg := range pending {
		msg.Nack()
	}
	b.cancel()

	errs := []error{b.subscriber.Close()}
	if !samePubSub(b.publisher, b.subscriber) {
		errs = append(errs, b.publisher.Close())
	}
	for _, c := range b.config.Closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func samePubSub(pub message.Publisher, sub message.Subscriber) bool {
	s, ok := sub.(message.Publisher)
	return ok && s == pub
}
