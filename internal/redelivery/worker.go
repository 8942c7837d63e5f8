// Package redelivery periodically re-enqueues deliveries that have sat in
// the ack journal longer than the configured interval, giving every fetched
// message at-least-once semantics even when a consumer dies silently.
package redelivery

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// Worker scans the ack journal and pushes expired deliveries back onto
// their queues. It shares the journal file with the ack-log worker but only
// ever reads it; row removal goes through the broker so the ack-log worker
// stays the single writer of record for live traffic.
type Worker struct {
	store    *journal.Store
	pool     *client.Pool
	interval time.Duration
}

// New creates a worker sweeping every interval. Intervals at or below zero
// fall back to five minutes.
func New(store *journal.Store, pool *client.Pool, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{store: store, pool: pool, interval: interval}
}

// Run sweeps on a fixed ticker until ctx is cancelled. A failed sweep is
// logged and retried at the next tick.
func (w *Worker) Run(ctx context.Context) error {
	logging.Op().Info("redelivery worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("redelivery worker stopped")
			return nil
		case <-ticker.C:
			cutoff := time.Now().Add(-w.interval).Unix()
			if n, err := w.Sweep(ctx, cutoff); err != nil {
				logging.Op().Error("redelivery sweep failed", "err", err)
			} else if n > 0 {
				logging.Op().Info("redelivered expired deliveries", "count", n)
			}
		}
	}
}

// Sweep re-enqueues every journalled delivery older than cutoff and reports
// how many were moved. For each row the message is sent back to its queue,
// the broker is told to drop the stale in-flight entry, and only then is the
// journal row removed, so a crash mid-sweep at worst redelivers again.
func (w *Worker) Sweep(ctx context.Context, cutoff int64) (int, error) {
	rows, err := w.store.OlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	c, err := w.pool.GetRetry(ctx, 5*time.Second)
	if err != nil {
		return 0, err
	}
	defer w.pool.Put(c)

	moved := 0
	for _, r := range rows {
		if err := c.SendDataToQueue(r.QueueName, r.MessageData); err != nil {
			// Queue may have been deleted since the delivery; leave the row
			// for the operator to inspect.
			logging.Op().Warn("redelivery send failed", "queue", r.QueueName, "id", r.MessageID, "err", err)
			continue
		}
		if err := c.DeleteAckMessageID(r.QueueName, r.MessageID); err != nil {
			// The in-flight entry may already be gone (acked meanwhile, and
			// with it the journal row). Leave the row to the next sweep.
			logging.Op().Warn("redelivery drop failed", "queue", r.QueueName, "id", r.MessageID, "err", err)
			continue
		}
		if err := w.store.DeleteByMessageID(r.MessageID); err != nil {
			logging.Op().Error("redelivery journal delete failed", "id", r.MessageID, "err", err)
			continue
		}
		metrics.RecordRedelivery()
		moved++
	}
	return moved, nil
}
