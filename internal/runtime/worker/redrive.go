package worker

import (
	"context"
	"fmt"

	"github.com/drblury/presto/internal/runtime/envelope"
	"github.com/drblury/presto/internal/runtime/ids"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/transport"
)

// Redrive moves up to limit messages from the dead-letter queue back to the
// input queue with a zero retry count and an empty result. Messages that
// are not valid envelopes stay in the dead-letter queue. A limit of zero
// or less drains the queue. Every redriven message carries a fresh
// deduplication id, so a payload identical to one sent shortly before is
// still delivered.
func (w *Worker) Redrive(ctx context.Context, limit int) (int, error) {
	moved := 0
	for limit <= 0 || moved < limit {
		max := w.batch
		if limit > 0 && limit-moved < max {
			max = limit - moved
		}
		received, err := w.backend.ReceiveBatch(ctx, w.dlq, max)
		if err != nil {
			return moved, fmt.Errorf("receive from %s: %w", w.dlq.Name, err)
		}
		if len(received) == 0 {
			break
		}

		var (
			done []transport.AckToken
			keep []transport.AckToken
		)
		for _, rec := range received {
			msg, err := envelope.Decode(rec.Body)
			if err != nil || msg.Kind != w.opts.Kind {
				keep = append(keep, rec.Token)
				continue
			}
			msg.RetryCount = 0
			msg.Body.Result = w.entry.NewResult()
			opts := transport.SendOptions{GroupID: msg.Body.ID.String(), DeduplicationID: ids.CreateULID()}
			if err := w.sendWith(ctx, w.input, msg, opts); err != nil {
				keep = append(keep, rec.Token)
				w.logger.Error("Failed to redrive message", err, logging.LogFields{"message_id": msg.Body.ID.String()})
				continue
			}
			done = append(done, rec.Token)
		}

		if len(done) > 0 {
			if err := w.backend.DeleteBatch(ctx, w.dlq, done); err != nil {
				return moved, fmt.Errorf("delete from %s: %w", w.dlq.Name, err)
			}
			moved += len(done)
			w.metrics.Redriven(w.dlq.Name, len(done))
		}
		if len(keep) > 0 {
			if r, ok := w.backend.(transport.Releaser); ok {
				if err := r.Release(ctx, w.dlq, keep); err != nil {
					w.logger.Error("Failed to release dead letters", err, logging.LogFields{"count": len(keep)})
				}
			}
			// Kept messages would be received again; stop instead of spinning.
			break
		}
	}
	w.logger.Info("Redrive finished", logging.LogFields{"moved": moved})
	return moved, nil
}
