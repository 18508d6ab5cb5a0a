// Package jetstream provides a NATS JetStream queue backend. Every queue is
// a subject of one work-queue stream consumed through a durable pull
// consumer, so messages are removed on ack and redelivered after AckWait.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName  = "PRESTO"
	DefaultAckWait     = 30 * time.Second
	DefaultPollTimeout = time.Second
	DefaultMaxAge      = 7 * 24 * time.Hour

	// GroupIDHeader carries SendOptions.GroupID.
	GroupIDHeader = "Presto-Group-Id"
)

// ConnectFactory opens the NATS connection. Override in tests.
var ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
	transport.RegisterWithCapabilities("jetstream", Build, transport.JetStreamCapabilities)
}

// Build connects to the configured NATS server.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Backend, error) {
	return New(Config{
		URL:         cfg.GetNATSURL(),
		AckWait:     cfg.GetVisibilityTimeout(),
		PollTimeout: cfg.GetPollTimeout(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream backend settings.
type Config struct {
	// URL defaults to nats.DefaultURL.
	URL string

	// StreamName is the stream holding every queue subject.
	StreamName string

	// AckWait is the visibility window of a received message.
	AckWait time.Duration

	// PollTimeout bounds how long ReceiveBatch waits on an empty queue.
	PollTimeout time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// MaxAge drops messages nobody consumed within this window.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Backend implements transport.Backend, transport.Releaser and
// transport.PendingCounter on JetStream.
type Backend struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	inflight map[transport.AckToken]*nats.Msg
	closed   bool
}

// New connects to NATS and ensures the work-queue stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Backend, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := ConnectFactory(cfg.URL, nats.Name("presto"))
	if err != nil {
		return nil, prestoerrors.Transient("connect to NATS", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Backend{
		nc:       conn,
		js:       js,
		config:   cfg,
		logger:   logger,
		subs:     make(map[string]*nats.Subscription),
		inflight: make(map[transport.AckToken]*nats.Msg),
	}
	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("Connected to JetStream queue backend", watermill.LogFields{
		"url":    cfg.URL,
		"stream": cfg.StreamName,
	})
	return b, nil
}

func (b *Backend) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{b.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    b.config.MaxAge,
		Replicas:  b.config.Replicas,
	}
	if _, err := b.js.AddStream(streamCfg); err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("create stream %s: %w", b.config.StreamName, err)
		}
		if _, err := b.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", b.config.StreamName, err)
		}
	}
	return nil
}

// subject maps a queue name onto the stream's subject space.
func subject(stream, name string) string {
	return stream + "." + name
}

// consumerName derives a durable name, which may not contain '.', '*', '>'
// or whitespace.
func consumerName(name string) string {
	return "presto_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

func (b *Backend) CreateOrGet(ctx context.Context, name string, role transport.Role) (transport.Handle, error) {
	if _, err := b.subscription(ctx, name); err != nil {
		return transport.Handle{}, err
	}
	return transport.Handle{Name: name, Locator: subject(b.config.StreamName, name), Role: role}, nil
}

func (b *Backend) subscription(ctx context.Context, name string) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	if sub, ok := b.subs[name]; ok {
		return sub, nil
	}

	durable := consumerName(name)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject(b.config.StreamName, name),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    -1,
	}
	if _, err := b.js.AddConsumer(b.config.StreamName, consumerCfg, nats.Context(ctx)); err != nil {
		if !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
			return nil, prestoerrors.Transient("create consumer "+durable, err)
		}
	}
	sub, err := b.js.PullSubscribe(consumerCfg.FilterSubject, durable, nats.Bind(b.config.StreamName, durable))
	if err != nil {
		return nil, prestoerrors.Transient("subscribe "+name, err)
	}
	b.subs[name] = sub
	return sub, nil
}

func (b *Backend) Send(ctx context.Context, h transport.Handle, payload []byte, opts transport.SendOptions) error {
	if b.isClosed() {
		return transport.ErrClosed
	}
	msg := nats.NewMsg(h.Locator)
	msg.Data = payload
	if opts.GroupID != "" {
		msg.Header.Set(GroupIDHeader, opts.GroupID)
	}
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return prestoerrors.Transient("publish to "+h.Name, err)
	}
	return nil
}

// ReceiveBatch fetches up to max messages, waiting at most PollTimeout for
// the first one.
func (b *Backend) ReceiveBatch(ctx context.Context, h transport.Handle, max int) ([]transport.Received, error) {
	sub, err := b.subscription(ctx, h.Name)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.config.PollTimeout)
	defer cancel()
	msgs, err := sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, prestoerrors.Transient("fetch from "+h.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.Received, 0, len(msgs))
	for _, msg := range msgs {
		token := transport.AckToken(ids.CreateULID())
		b.inflight[token] = msg
		out = append(out, transport.Received{Body: msg.Data, Token: token})
	}
	return out, nil
}

func (b *Backend) take(tokens []transport.AckToken) []*nats.Msg {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]*nats.Msg, 0, len(tokens))
	for _, token := range tokens {
		if msg, ok := b.inflight[token]; ok {
			msgs = append(msgs, msg)
			delete(b.inflight, token)
		}
	}
	return msgs
}

// DeleteBatch acknowledges the messages, removing them from the stream.
// Unknown tokens are ignored.
func (b *Backend) DeleteBatch(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	var errs []error
	for _, msg := range b.take(tokens) {
		if err := msg.AckSync(nats.Context(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return prestoerrors.Transient("ack on "+h.Name, err)
	}
	return nil
}

// Release negatively acknowledges the messages so they are redelivered
// without waiting for AckWait.
func (b *Backend) Release(ctx context.Context, h transport.Handle, tokens []transport.AckToken) error {
	var errs []error
	for _, msg := range b.take(tokens) {
		if err := msg.Nak(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return prestoerrors.Transient("nak on "+h.Name, err)
	}
	return nil
}

// Pending reports messages not yet delivered to the queue's consumer.
func (b *Backend) Pending(ctx context.Context, h transport.Handle) (int64, error) {
	info, err := b.js.ConsumerInfo(b.config.StreamName, consumerName(h.Name), nats.Context(ctx))
	if err != nil {
		return 0, prestoerrors.Transient("consumer info "+h.Name, err)
	}
	return int64(info.NumPending), nil
}

func (b *Backend) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close naks in-flight messages and closes the connection. Durable
// consumers stay on the server.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	inflight := b.inflight
	subs := b.subs
	b.inflight = make(map[transport.AckToken]*nats.Msg)
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	for _, msg := range inflight {
		if err := msg.Nak(); err != nil {
			b.logger.Debug("Failed to nak in-flight message on close", watermill.LogFields{"error": err.Error()})
		}
	}
	for name, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("Failed to unsubscribe", watermill.LogFields{"queue": name, "error": err.Error()})
		}
	}
	b.nc.Close()
	return nil
}
