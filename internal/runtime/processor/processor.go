// Package processor drains a kind's output queue and notifies each
// message's callback URL. Delivery is a single best-effort attempt: every
// received message is deleted afterwards whatever the outcome.
package processor

import (
	"bytes"
	"context"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
	"github.com/drblury/presto/transport"
)

const (
	DefaultBatchSize       = 10
	DefaultCallbackTimeout = 30 * time.Second
	DefaultErrorBackoff    = time.Second
)

// Callback outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Headers set on callback requests.
const (
	HeaderMessageID = "X-Presto-Message-Id"
	HeaderKind      = "X-Presto-Kind"
)

const tracerName = "github.com/drblury/presto/processor"

// PublisherFactory builds the callback publisher. Override in tests.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// Options tunes a Processor.
type Options struct {
	Kind            string
	BatchSize       int
	CallbackTimeout time.Duration
	ErrorBackoff    time.Duration
	Naming          transport.Naming
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.CallbackTimeout <= 0 {
		o.CallbackTimeout = DefaultCallbackTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	return o
}

// Dependencies are the collaborators of a Processor. Metrics and Tracer
// are optional.
type Dependencies struct {
	Backend transport.Backend
	Metrics *metrics.Metrics
	Logger  logging.ServiceLogger
	Tracer  trace.Tracer
}

// Processor delivers callbacks for one kind.
type Processor struct {
	backend  transport.Backend
	notifier *Notifier
	metrics  *metrics.Metrics
	logger   logging.ServiceLogger
	opts     Options
	batch    int
	output   transport.Handle
}

// New resolves the kind's output queue and builds the callback publisher.
func New(ctx context.Context, deps Dependencies, opts Options) (*Processor, error) {
	if deps.Backend == nil {
		return nil, prestoerrors.ErrBackendRequired
	}
	if deps.Logger == nil {
		return nil, prestoerrors.ErrLoggerRequired
	}
	if opts.Kind == "" {
		return nil, prestoerrors.ErrKindRequired
	}
	opts = opts.withDefaults()
	name := opts.Naming.Output(opts.Kind)
	output, err := deps.Backend.CreateOrGet(ctx, name, transport.RoleOutput)
	if err != nil {
		return nil, fmt.Errorf("resolve output queue %q: %w", name, err)
	}

	logger := deps.Logger.With(logging.LogFields{"kind": opts.Kind, "queue": output.Name})
	notifier, err := NewNotifier(opts.CallbackTimeout, logger, deps.Tracer)
	if err != nil {
		return nil, err
	}

	return &Processor{
		backend:  deps.Backend,
		notifier: notifier,
		metrics:  deps.Metrics,
		logger:   logger,
		opts:     opts,
		batch:    transport.EffectiveBatch(deps.Backend, opts.BatchSize),
		output:   output,
	}, nil
}

// Notifier POSTs serialized messages to their callback URL through a
// Watermill HTTP publisher whose topic is the URL.
type Notifier struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

// NewNotifier builds a Notifier whose requests time out after timeout.
// A nil tracer uses the global provider.
func NewNotifier(timeout time.Duration, logger logging.ServiceLogger, tracer trace.Tracer) (*Notifier, error) {
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: marshalCallback,
		Client:             &nethttp.Client{Timeout: timeout},
	}, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}
	return &Notifier{publisher: publisher, tracer: tracer}, nil
}

func marshalCallback(url string, msg *message.Message) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(msg.Context(), nethttp.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, msg.UUID)
	if kind := msg.Metadata.Get(HeaderKind); kind != "" {
		req.Header.Set(HeaderKind, kind)
	}
	return req, nil
}

// Run loops until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Processor started", logging.LogFields{"batch_size": p.batch})
	defer p.logger.Info("Processor stopped", nil)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("Processor cycle failed", err, nil)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.ErrorBackoff):
			}
		}
	}
}

// RunOnce receives one batch from the output queue, attempts each callback
// once and deletes the whole batch.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	received, err := p.backend.ReceiveBatch(ctx, p.output, p.batch)
	if err != nil {
		return 0, fmt.Errorf("receive from %s: %w", p.output.Name, err)
	}
	if len(received) == 0 {
		return 0, nil
	}

	tokens := make([]transport.AckToken, 0, len(received))
	for _, rec := range received {
		tokens = append(tokens, rec.Token)
		p.notify(ctx, rec.Body)
	}

	if err := p.backend.DeleteBatch(context.WithoutCancel(ctx), p.output, tokens); err != nil {
		p.logger.Error("Failed to delete delivered messages", err, logging.LogFields{"count": len(tokens)})
	}
	return len(received), nil
}

func (p *Processor) notify(ctx context.Context, raw []byte) {
	target, err := envelope.DecodeCallbackTarget(raw)
	if err != nil {
		p.metrics.Callback(p.opts.Kind, OutcomeFailure)
		p.logger.Error("Dropping undecodable output message", err, nil)
		return
	}
	fields := logging.LogFields{"message_id": target.Body.ID.String()}
	if target.Body.CallbackURL == "" {
		p.metrics.Callback(p.opts.Kind, OutcomeSkipped)
		p.logger.Debug("No callback url, skipping", fields)
		return
	}

	fields["callback_url"] = target.Body.CallbackURL
	if err := p.notifier.deliver(ctx, target, raw); err != nil {
		p.metrics.Callback(p.opts.Kind, OutcomeFailure)
		p.logger.Error("Callback delivery failed", err, fields)
		return
	}
	p.metrics.Callback(p.opts.Kind, OutcomeSuccess)
	p.logger.Debug("Callback delivered", fields)
}

// Deliver performs a single callback for raw, a serialized message.
func (n *Notifier) Deliver(ctx context.Context, raw []byte) error {
	target, err := envelope.DecodeCallbackTarget(raw)
	if err != nil {
		return prestoerrors.NewValidationError("decode callback target", err)
	}
	if target.Body.CallbackURL == "" {
		return prestoerrors.ErrCallbackURLMissing
	}
	return n.deliver(ctx, target, raw)
}

func (n *Notifier) deliver(ctx context.Context, target *envelope.CallbackTarget, raw []byte) error {
	ctx, span := n.tracer.Start(ctx, "presto.processor.callback",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("presto.kind", target.Kind),
			attribute.String("presto.message_id", target.Body.ID.String()),
			attribute.String("url.full", target.Body.CallbackURL),
		),
	)
	defer span.End()

	msg := message.NewMessage(ids.CreateULID(), raw)
	msg.SetContext(ctx)
	if target.Kind != "" {
		msg.Metadata.Set(HeaderKind, target.Kind)
	}
	if err := n.publisher.Publish(target.Body.CallbackURL, msg); err != nil {
		err = fmt.Errorf("%w: %s: %w", prestoerrors.ErrCallbackDelivery, target.Body.CallbackURL, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Close shuts the callback publisher down.
func (n *Notifier) Close() error {
	return n.publisher.Close()
}

// Close shuts the processor's notifier down.
func (p *Processor) Close() error {
	return p.notifier.Close()
}
