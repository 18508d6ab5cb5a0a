package worker

import (
	"context"
	"time"

	"github.com/drblury/presto/internal/runtime/logging"
)

// DispatchInfo describes one kernel dispatch.
type DispatchInfo struct {
	Kind       string
	Queue      string
	MessageIDs []string
	// MaxRetryCount is the highest retry_count in the batch.
	MaxRetryCount int
	StartedAt     time.Time
	// Duration is only set for OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

// DeadLetterInfo describes a message moved to the dead-letter queue.
type DeadLetterInfo struct {
	Kind  string
	Queue string
	// MessageID is empty when the payload could not be decoded.
	MessageID  string
	RetryCount int
	Reason     string
	Cause      error
}

// Hooks are optional callbacks around dispatches and dead-lettering. They
// run on the worker's goroutine and should return quickly.
type Hooks struct {
	OnDispatchStart func(ctx context.Context, info DispatchInfo)
	OnDispatchDone  func(ctx context.Context, info DispatchInfo)
	OnDispatchError func(ctx context.Context, info DispatchInfo, err error)
	OnDeadLetter    func(ctx context.Context, info DeadLetterInfo)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDispatchStart: chain(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chain(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErr(h.OnDispatchError, other.OnDispatchError),
		OnDeadLetter:    chain(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chain[T any](a, b func(context.Context, T)) func(context.Context, T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info T) {
		a(ctx, info)
		b(ctx, info)
	}
}

func chainErr(a, b func(context.Context, DispatchInfo, error)) func(context.Context, DispatchInfo, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, info DispatchInfo, err error) {
		a(ctx, info, err)
		b(ctx, info, err)
	}
}

func (h Hooks) dispatchStart(ctx context.Context, info DispatchInfo) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(ctx, info)
	}
}

func (h Hooks) dispatchEnd(ctx context.Context, info DispatchInfo, err error) {
	if err != nil {
		if h.OnDispatchError != nil {
			h.OnDispatchError(ctx, info, err)
		}
		return
	}
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(ctx, info)
	}
}

func (h Hooks) deadLetter(ctx context.Context, info DeadLetterInfo) {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter(ctx, info)
	}
}

// LoggingHooks logs every dispatch and dead-lettered message.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnDispatchStart: func(_ context.Context, info DispatchInfo) {
			logger.Debug("Dispatch started", logging.LogFields{
				"kind":            info.Kind,
				"batch_size":      len(info.MessageIDs),
				"max_retry_count": info.MaxRetryCount,
			})
		},
		OnDispatchDone: func(_ context.Context, info DispatchInfo) {
			logger.Info("Dispatch completed", logging.LogFields{
				"kind":        info.Kind,
				"batch_size":  len(info.MessageIDs),
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(_ context.Context, info DispatchInfo, err error) {
			logger.Error("Dispatch failed", err, logging.LogFields{
				"kind":        info.Kind,
				"batch_size":  len(info.MessageIDs),
				"duration_ms": info.Duration.Milliseconds(),
			})
		},
		OnDeadLetter: func(_ context.Context, info DeadLetterInfo) {
			logger.Error("Message dead-lettered", info.Cause, logging.LogFields{
				"kind":        info.Kind,
				"queue":       info.Queue,
				"message_id":  info.MessageID,
				"retry_count": info.RetryCount,
				"reason":      info.Reason,
			})
		},
	}
}

// AlertingHooks calls alert for every dead-lettered message.
func AlertingHooks(alert func(ctx context.Context, info DeadLetterInfo)) Hooks {
	return Hooks{OnDeadLetter: alert}
}
