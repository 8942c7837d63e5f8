// Package sendlog runs the send-journal worker: it consumes journal events
// from the broker over a bounded channel and, at start-up, replays the
// journal back into the broker so accepted-but-undelivered messages survive
// a crash.
package sendlog

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// eventBufferSize bounds the broker-to-worker channel. Posts block when the
// buffer is full: a send-accepted or purge event must never be dropped.
const eventBufferSize = 4096

type eventKind int

const (
	evInsert eventKind = iota
	evDelete
	evPurge
)

type event struct {
	kind  eventKind
	row   journal.Row
	id    string
	queue string
}

// Worker owns the send journal. Only this worker mutates the send_msg table.
type Worker struct {
	store  *journal.Store
	events chan event
}

// New creates a worker over an opened send journal.
func New(store *journal.Store) *Worker {
	return &Worker{
		store:  store,
		events: make(chan event, eventBufferSize),
	}
}

// MessageAccepted journals a newly accepted message.
func (w *Worker) MessageAccepted(id, queue, data string, pubDate int64) {
	w.events <- event{kind: evInsert, row: journal.Row{
		MessageID:   id,
		QueueName:   queue,
		MessageData: data,
		PubDate:     pubDate,
	}}
}

// MessageDelivered removes a fetched message from the journal.
func (w *Worker) MessageDelivered(id string) {
	w.events <- event{kind: evDelete, id: id}
}

// QueuePurged removes every row of a deleted or cleared queue.
func (w *Worker) QueuePurged(queue string) {
	w.events <- event{kind: evPurge, queue: queue}
}

// Run consumes events until ctx is cancelled, then flushes whatever is
// still buffered before returning.
func (w *Worker) Run(ctx context.Context) error {
	logging.Op().Info("send-log worker started")
	for {
		select {
		case ev := <-w.events:
			w.apply(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-w.events:
					w.apply(ev)
				default:
					logging.Op().Info("send-log worker stopped")
					return nil
				}
			}
		}
	}
}

func (w *Worker) apply(ev event) {
	var err error
	switch ev.kind {
	case evInsert:
		err = w.store.Insert(ev.row)
	case evDelete:
		err = w.store.DeleteByMessageID(ev.id)
	case evPurge:
		err = w.store.DeleteByQueue(ev.queue)
	}
	if err != nil {
		// The client's request has already been answered; journal faults
		// re-converge at the next restart.
		metrics.RecordJournalError("send")
		logging.Op().Error("send journal write failed", "err", err)
	}
}

// Replay walks the journal in pages of publish-time ascending order and
// re-enqueues every row through an ordinary client connection, preserving
// identifiers. Each distinct queue is declared first; a declare failure on
// an already-present queue is expected and ignored. Replay is idempotent:
// the broker rejects an identifier it already holds.
func (w *Worker) Replay(ctx context.Context, pool *client.Pool) error {
	total, err := w.store.Count()
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	logging.Op().Info("replaying send journal", "rows", total)

	c, err := pool.GetRetry(ctx, 5*time.Second)
	if err != nil {
		return err
	}
	defer pool.Put(c)

	declared := make(map[string]struct{})
	restored := 0
	for page := 1; ; page++ {
		rows, err := w.store.Page(page)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if _, ok := declared[r.QueueName]; !ok {
				if err := c.DeclareQueue(r.QueueName); err != nil && !errors.Is(err, client.ErrFail) {
					return err
				}
				declared[r.QueueName] = struct{}{}
			}
			if err := c.RestoreSendMessage(r.QueueName, r.MessageID, r.MessageData); err != nil {
				if errors.Is(err, client.ErrFail) {
					// Already present; an earlier replay got there first.
					continue
				}
				return err
			}
			restored++
		}
		if len(rows) < journal.PageSize {
			break
		}
	}
	logging.Op().Info("send journal replayed", "restored", restored)
	return nil
}
