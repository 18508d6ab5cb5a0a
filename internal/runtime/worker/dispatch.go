package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
)

type dispatchOutcome struct {
	batch []*envelope.Message
	err   error
}

// dispatch runs the kernel on batch under the dispatch timeout and returns
// one result per message, in order.
//
// The kernel works on copies. When the timeout fires its context is
// cancelled and the call is abandoned; a kernel that ignores ctx keeps its
// goroutine running until it returns on its own.
func (w *Worker) dispatch(ctx context.Context, batch []*envelope.Message) ([]envelope.Result, error) {
	ctx, span := w.tracer.Start(ctx, "presto.worker.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("presto.kind", w.opts.Kind),
			attribute.Int("presto.batch_size", len(batch)),
		),
	)
	defer span.End()

	info := DispatchInfo{
		Kind:       w.opts.Kind,
		Queue:      w.input.Name,
		MessageIDs: make([]string, len(batch)),
		StartedAt:  time.Now(),
	}
	for i, msg := range batch {
		info.MessageIDs[i] = msg.Body.ID.String()
		info.MaxRetryCount = max(info.MaxRetryCount, msg.RetryCount)
	}
	w.hooks.dispatchStart(ctx, info)

	results, outcome, err := w.invoke(ctx, batch)
	info.Duration = time.Since(info.StartedAt)
	w.metrics.ObserveDispatch(w.opts.Kind, outcome, info.Duration)
	w.hooks.dispatchEnd(ctx, info, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return results, nil
}

func (w *Worker) invoke(ctx context.Context, batch []*envelope.Message) ([]envelope.Result, string, error) {
	dctx, cancel := context.WithTimeout(ctx, w.opts.DispatchTimeout)
	defer cancel()

	copies := make([]*envelope.Message, len(batch))
	for i, msg := range batch {
		copies[i] = w.copyForKernel(msg)
	}

	done := make(chan dispatchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchOutcome{err: &prestoerrors.KernelError{Kind: w.opts.Kind, Cause: fmt.Errorf("panic: %v", r)}}
			}
		}()
		out, err := w.entry.Kernel.Respond(dctx, copies)
		done <- dispatchOutcome{batch: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if dctx.Err() != nil && ctx.Err() == nil {
				return nil, metrics.OutcomeTimeout, w.timeoutError()
			}
			var kernelErr *prestoerrors.KernelError
			if errors.As(o.err, &kernelErr) {
				return nil, metrics.OutcomeError, o.err
			}
			return nil, metrics.OutcomeError, &prestoerrors.KernelError{Kind: w.opts.Kind, Cause: o.err}
		}
		if len(o.batch) != len(batch) {
			return nil, metrics.OutcomeError, &prestoerrors.KernelError{
				Kind:  w.opts.Kind,
				Cause: fmt.Errorf("%w: got %d for %d messages", prestoerrors.ErrKernelResultCount, len(o.batch), len(batch)),
			}
		}
		results := make([]envelope.Result, len(o.batch))
		for i, msg := range o.batch {
			if msg == nil || msg.Body.Result == nil {
				return nil, metrics.OutcomeError, &prestoerrors.KernelError{
					Kind:  w.opts.Kind,
					Cause: fmt.Errorf("%w: message %d has no result", prestoerrors.ErrKernelResultCount, i),
				}
			}
			results[i] = msg.Body.Result
		}
		return results, metrics.OutcomeSuccess, nil

	case <-dctx.Done():
		w.metrics.AbandonDispatch(w.opts.Kind)
		w.logger.Error("Kernel did not return in time, abandoning its goroutine", dctx.Err(), logging.LogFields{
			"batch_size": len(batch),
			"timeout":    w.opts.DispatchTimeout.String(),
		})
		if ctx.Err() != nil {
			return nil, metrics.OutcomeError, ctx.Err()
		}
		return nil, metrics.OutcomeTimeout, w.timeoutError()
	}
}

func (w *Worker) timeoutError() error {
	return fmt.Errorf("%w: %s after %s", prestoerrors.ErrKernelTimeout, w.opts.Kind, w.opts.DispatchTimeout)
}

// copyForKernel gives the kernel its own message and result so an
// abandoned call cannot race with the retry path.
func (w *Worker) copyForKernel(msg *envelope.Message) *envelope.Message {
	c := msg.Clone()
	result := w.entry.NewResult()
	if msg.Body.Result != nil {
		if data, err := jsoncodec.Marshal(msg.Body.Result); err == nil {
			_ = jsoncodec.Unmarshal(data, result)
		}
	}
	c.Body.Result = result
	return c
}
