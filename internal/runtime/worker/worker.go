// Package worker runs the receive, dispatch and forward loop for one kind.
//
// Each cycle receives a batch from the kind's input queue, answers what it
// can from the result cache, sends the rest through the kernel under a
// timeout and forwards completed messages to the output queue. Failed
// messages are requeued with an incremented retry count until they exceed
// MaxRetries, then dead-lettered. Envelopes that fail validation are
// dead-lettered immediately.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/presto/internal/runtime/cache"
	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
	"github.com/drblury/presto/transport"
)

const (
	DefaultDispatchTimeout = 60 * time.Second
	DefaultMaxRetries      = 5
	DefaultErrorBackoff    = time.Second
)

// Dead-letter reasons reported to metrics.
const (
	ReasonInvalid    = "invalid"
	ReasonMaxRetries = "max_retries"
)

const tracerName = "github.com/drblury/presto/worker"

// Options tunes a Worker.
type Options struct {
	Kind string
	// BatchSize overrides the kind's registered batch size when positive.
	BatchSize       int
	DispatchTimeout time.Duration
	// MaxRetries is how many times a failing message is requeued before it
	// is dead-lettered. Zero means DefaultMaxRetries, negative means none.
	MaxRetries int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// KeepCacheTTL disables extending cache entries on hits.
	KeepCacheTTL bool
	Naming       transport.Naming
}

func (o Options) withDefaults() Options {
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	return o
}

// Dependencies are the collaborators a Worker is built from. Cache and
// Metrics are optional.
type Dependencies struct {
	Backend  transport.Backend
	Registry *envelope.Registry
	Cache    *cache.ResultCache
	Metrics  *metrics.Metrics
	Logger   logging.ServiceLogger
	Tracer   trace.Tracer
	Hooks    Hooks
}

// Worker processes one kind.
type Worker struct {
	backend  transport.Backend
	registry *envelope.Registry
	cache    *cache.ResultCache
	metrics  *metrics.Metrics
	logger   logging.ServiceLogger
	tracer   trace.Tracer
	hooks    Hooks

	entry envelope.Entry
	opts  Options
	batch int

	input  transport.Handle
	output transport.Handle
	dlq    transport.Handle
}

// New resolves the kind's queues, creating them if needed.
func New(ctx context.Context, deps Dependencies, opts Options) (*Worker, error) {
	if deps.Backend == nil {
		return nil, prestoerrors.ErrBackendRequired
	}
	if deps.Registry == nil {
		return nil, prestoerrors.ErrRegistryRequired
	}
	if deps.Logger == nil {
		return nil, prestoerrors.ErrLoggerRequired
	}
	if opts.Kind == "" {
		return nil, prestoerrors.ErrKindRequired
	}
	entry, ok := deps.Registry.Lookup(opts.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", prestoerrors.ErrUnknownKind, opts.Kind)
	}
	opts = opts.withDefaults()
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}

	batch := entry.BatchSize
	if opts.BatchSize > 0 {
		batch = opts.BatchSize
	}

	w := &Worker{
		backend:  deps.Backend,
		registry: deps.Registry,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		hooks:    deps.Hooks,
		entry:    entry,
		opts:     opts,
		batch:    transport.EffectiveBatch(deps.Backend, batch),
	}

	var err error
	if w.input, err = w.resolve(ctx, transport.RoleInput); err != nil {
		return nil, err
	}
	if w.output, err = w.resolve(ctx, transport.RoleOutput); err != nil {
		return nil, err
	}
	if w.dlq, err = w.resolve(ctx, transport.RoleDLQ); err != nil {
		return nil, err
	}

	w.logger = deps.Logger.With(logging.LogFields{
		"kind":   opts.Kind,
		"input":  w.input.Name,
		"output": w.output.Name,
		"dlq":    w.dlq.Name,
	})
	return w, nil
}

func (w *Worker) resolve(ctx context.Context, role transport.Role) (transport.Handle, error) {
	name := w.opts.Naming.Name(w.opts.Kind, role)
	h, err := w.backend.CreateOrGet(ctx, name, role)
	if err != nil {
		return transport.Handle{}, fmt.Errorf("resolve %s queue %q: %w", role, name, err)
	}
	return h, nil
}

// Queues returns the resolved input, output and dead-letter handles.
func (w *Worker) Queues() (input, output, dlq transport.Handle) {
	return w.input, w.output, w.dlq
}

// BatchSize is the number of messages requested per receive.
func (w *Worker) BatchSize() int {
	return w.batch
}

// MaxRetries is the number of requeues before a message is dead-lettered.
func (w *Worker) MaxRetries() int {
	return w.opts.MaxRetries
}

// Run loops until ctx is cancelled. Per-message failures never stop it;
// receive errors are logged and retried after a backoff.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", logging.LogFields{"batch_size": w.batch})
	defer w.logger.Info("Worker stopped", nil)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Worker cycle failed", err, nil)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.ErrorBackoff):
			}
		}
	}
}

// item pairs a received message with its parsed envelope.
type item struct {
	rec transport.Received
	msg *envelope.Message
}

// RunOnce performs a single receive and processing cycle and reports how
// many messages were received.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	received, err := w.backend.ReceiveBatch(ctx, w.input, w.batch)
	if err != nil && len(received) == 0 {
		return 0, fmt.Errorf("receive from %s: %w", w.input.Name, err)
	}
	if len(received) == 0 {
		return 0, nil
	}
	if err != nil {
		// Messages already taken off the queue are still processed.
		w.logger.Error("Partial receive", err, logging.LogFields{"batch_size": len(received)})
	}
	w.logger.Debug("Received batch", logging.LogFields{"batch_size": len(received)})

	var done []transport.AckToken
	items := make([]*item, 0, len(received))
	for _, rec := range received {
		msg, err := w.parse(rec.Body)
		if err != nil {
			if w.deadLetterInvalid(ctx, rec, err) {
				done = append(done, rec.Token)
			}
			continue
		}
		items = append(items, &item{rec: rec, msg: msg})
	}

	pending := make([]*item, 0, len(items))
	for _, it := range items {
		if w.lookupCache(ctx, it.msg) {
			if w.forward(ctx, it) {
				done = append(done, it.rec.Token)
			}
			continue
		}
		pending = append(pending, it)
	}

	if len(pending) > 0 {
		tokens, err := w.process(ctx, pending)
		done = append(done, tokens...)
		if err != nil {
			w.deleteOriginals(ctx, done)
			return len(received), err
		}
	}

	w.deleteOriginals(ctx, done)
	return len(received), nil
}

func (w *Worker) parse(raw []byte) (*envelope.Message, error) {
	msg, err := w.registry.Parse(raw)
	if err != nil {
		return nil, err
	}
	if msg.Kind != w.opts.Kind {
		return nil, prestoerrors.NewValidationError(
			fmt.Sprintf("model_name %q does not belong on the %q queue", msg.Kind, w.opts.Kind), nil)
	}
	return msg, nil
}

// process dispatches the cache misses and routes every one of them to
// output, input or the dead-letter queue. It returns the tokens that may
// be deleted.
func (w *Worker) process(ctx context.Context, pending []*item) ([]transport.AckToken, error) {
	leads, followers := dedupe(pending)

	batch := make([]*envelope.Message, len(leads))
	for i, it := range leads {
		batch[i] = it.msg
	}

	results, err := w.dispatch(ctx, batch)
	if err != nil && ctx.Err() != nil {
		// Shutting down: hand everything back untouched.
		w.release(context.WithoutCancel(ctx), pending)
		return nil, ctx.Err()
	}

	var tokens []transport.AckToken
	if err != nil {
		w.logger.Error("Kernel dispatch failed", err, logging.LogFields{
			"batch_size": len(batch),
			"category":   prestoerrors.Classify(err).String(),
		})
		for _, it := range pending {
			if w.retry(ctx, it, err) {
				tokens = append(tokens, it.rec.Token)
			}
		}
		return tokens, nil
	}

	for i, lead := range leads {
		lead.msg.Body.Result = results[i]
		for _, f := range followers[lead] {
			f.msg.Body.Result = results[i]
		}
		w.storeCache(ctx, lead.msg)
	}
	for _, it := range pending {
		if w.forward(ctx, it) {
			tokens = append(tokens, it.rec.Token)
		}
	}
	return tokens, nil
}

// dedupe keeps the first message per content hash as the lead and maps
// later ones onto it. Messages without a hash are always leads.
func dedupe(items []*item) ([]*item, map[*item][]*item) {
	leads := make([]*item, 0, len(items))
	followers := make(map[*item][]*item)
	byHash := make(map[string]*item)
	for _, it := range items {
		hash := it.msg.Body.ContentHash
		if hash == "" {
			leads = append(leads, it)
			continue
		}
		if lead, ok := byHash[hash]; ok {
			followers[lead] = append(followers[lead], it)
			continue
		}
		byHash[hash] = it
		leads = append(leads, it)
	}
	return leads, followers
}

func (w *Worker) lookupCache(ctx context.Context, msg *envelope.Message) bool {
	if w.cache == nil || msg.Body.ContentHash == "" {
		return false
	}
	result := w.entry.NewResult()
	hit, err := w.cache.Get(ctx, msg.Body.ContentHash, result, !w.opts.KeepCacheTTL)
	if err != nil {
		w.logger.Error("Result cache lookup failed", err, logging.LogFields{
			"content_hash": msg.Body.ContentHash,
		})
	}
	if !hit {
		w.metrics.CacheMiss(w.opts.Kind)
		return false
	}
	msg.Body.Result = result
	w.metrics.CacheHit(w.opts.Kind)
	return true
}

func (w *Worker) storeCache(ctx context.Context, msg *envelope.Message) {
	if w.cache == nil || msg.Body.ContentHash == "" || msg.Failed() {
		return
	}
	if err := w.cache.Set(ctx, msg.Body.ContentHash, msg.Body.Result, 0); err != nil {
		w.logger.Error("Result cache store failed", err, logging.LogFields{
			"content_hash": msg.Body.ContentHash,
		})
	}
}

// forward sends a completed message to the output queue.
func (w *Worker) forward(ctx context.Context, it *item) bool {
	if err := w.send(ctx, w.output, it.msg); err != nil {
		w.logger.Error("Failed to forward message", err, logging.LogFields{"message_id": it.msg.Body.ID.String()})
		w.release(ctx, []*item{it})
		return false
	}
	w.metrics.Forward(w.opts.Kind, 1)
	return true
}

// retry requeues a failed message or dead-letters it once it has used up
// its retries. Non-retryable failures are dead-lettered right away. It
// reports whether the original may be deleted.
func (w *Worker) retry(ctx context.Context, it *item, cause error) bool {
	retryable := prestoerrors.Classify(cause).Retryable()
	msg := it.msg.Clone()
	if retryable {
		msg.RetryCount++
	}
	fields := logging.LogFields{
		"message_id":  msg.Body.ID.String(),
		"retry_count": msg.RetryCount,
	}

	if !retryable || msg.RetryCount > w.opts.MaxRetries {
		// Exhausted messages keep their body; only the counter changes.
		reason := ReasonMaxRetries
		if !retryable {
			reason = ReasonInvalid
			msg.Fail(cause)
		}
		if err := w.send(ctx, w.dlq, msg); err != nil {
			w.logger.Error("Failed to dead-letter message", err, fields)
			w.release(ctx, []*item{it})
			return false
		}
		w.metrics.DeadLetter(w.opts.Kind, w.dlq.Name, reason, msg.RetryCount)
		w.hooks.deadLetter(ctx, DeadLetterInfo{
			Kind:       w.opts.Kind,
			Queue:      w.dlq.Name,
			MessageID:  msg.Body.ID.String(),
			RetryCount: msg.RetryCount,
			Reason:     reason,
			Cause:      cause,
		})
		w.logger.Info("Message dead-lettered", fields)
		return true
	}

	msg.Body.Result = w.entry.NewResult()
	if err := w.send(ctx, w.input, msg); err != nil {
		w.logger.Error("Failed to requeue message", err, fields)
		w.release(ctx, []*item{it})
		return false
	}
	w.metrics.Requeue(w.opts.Kind)
	w.logger.Debug("Message requeued", fields)
	return true
}

// deadLetterInvalid moves a message that failed parsing or validation to
// the dead-letter queue. Envelopes that still decode get an ErrorResult;
// anything else is forwarded byte for byte.
func (w *Worker) deadLetterInvalid(ctx context.Context, rec transport.Received, cause error) bool {
	payload := rec.Body
	info := DeadLetterInfo{Kind: w.opts.Kind, Queue: w.dlq.Name, Reason: ReasonInvalid, Cause: cause}
	if msg, err := envelope.Decode(rec.Body); err == nil {
		info.MessageID = msg.Body.ID.String()
		info.RetryCount = msg.RetryCount
		if !errors.Is(cause, prestoerrors.ErrUnknownKind) {
			msg.Fail(cause)
			if data, err := msg.Marshal(); err == nil {
				payload = data
			}
		}
	}

	fields := logging.LogFields{"code": prestoerrors.StatusCode(cause)}
	if err := w.backend.Send(ctx, w.dlq, payload, transport.SendOptions{}); err != nil {
		w.logger.Error("Failed to dead-letter invalid message", err, fields)
		w.releaseTokens(ctx, []transport.AckToken{rec.Token})
		return false
	}
	w.metrics.DeadLetter(w.opts.Kind, w.dlq.Name, ReasonInvalid, info.RetryCount)
	w.hooks.deadLetter(ctx, info)
	w.logger.Error("Invalid message dead-lettered", cause, fields)
	return true
}

func (w *Worker) send(ctx context.Context, h transport.Handle, msg *envelope.Message) error {
	return w.sendWith(ctx, h, msg, transport.SendOptions{GroupID: msg.Body.ID.String()})
}

func (w *Worker) sendWith(ctx context.Context, h transport.Handle, msg *envelope.Message, opts transport.SendOptions) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return w.backend.Send(ctx, h, data, opts)
}

func (w *Worker) deleteOriginals(ctx context.Context, tokens []transport.AckToken) {
	if len(tokens) == 0 {
		return
	}
	if err := w.backend.DeleteBatch(context.WithoutCancel(ctx), w.input, tokens); err != nil {
		w.logger.Error("Failed to delete processed messages", err, logging.LogFields{"count": len(tokens)})
	}
}

// release hands messages back to the backend when it supports that;
// otherwise they reappear after the visibility timeout.
func (w *Worker) release(ctx context.Context, items []*item) {
	tokens := make([]transport.AckToken, len(items))
	for i, it := range items {
		tokens[i] = it.rec.Token
	}
	w.releaseTokens(ctx, tokens)
}

func (w *Worker) releaseTokens(ctx context.Context, tokens []transport.AckToken) {
	r, ok := w.backend.(transport.Releaser)
	if !ok || len(tokens) == 0 {
		return
	}
	if err := r.Release(ctx, w.input, tokens); err != nil {
		w.logger.Error("Failed to release messages", err, logging.LogFields{"count": len(tokens)})
	}
}
