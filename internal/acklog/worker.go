// Package acklog runs the ack-journal worker, the mirror image of the
// send-log worker: it tracks delivered-but-unacknowledged messages and
// replays them into the broker's in-flight sets after a restart.
package acklog

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/quasar/internal/client"
	"github.com/oriys/quasar/internal/journal"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

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

// Worker owns the ack journal. Only this worker mutates the ack_msg table;
// the redelivery worker reads it.
type Worker struct {
	store  *journal.Store
	events chan event
}

// New creates a worker over an opened ack journal.
func New(store *journal.Store) *Worker {
	return &Worker{
		store:  store,
		events: make(chan event, eventBufferSize),
	}
}

// DeliveryIssued journals a fetched-but-unacknowledged delivery.
func (w *Worker) DeliveryIssued(id, queue, data string, pubDate int64) {
	w.events <- event{kind: evInsert, row: journal.Row{
		MessageID:   id,
		QueueName:   queue,
		MessageData: data,
		PubDate:     pubDate,
	}}
}

// DeliveryAcked removes an acknowledged delivery from the journal.
func (w *Worker) DeliveryAcked(id string) {
	w.events <- event{kind: evDelete, id: id}
}

// DeliveryDropped removes an administratively dropped delivery.
func (w *Worker) DeliveryDropped(id string) {
	w.events <- event{kind: evDelete, id: id}
}

// QueuePurged removes every row of a deleted or cleared queue.
func (w *Worker) QueuePurged(queue string) {
	w.events <- event{kind: evPurge, queue: queue}
}

// Run consumes events until ctx is cancelled, then flushes the buffer.
func (w *Worker) Run(ctx context.Context) error {
	logging.Op().Info("ack-log worker started")
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
					logging.Op().Info("ack-log worker stopped")
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
		metrics.RecordJournalError("ack")
		logging.Op().Error("ack journal write failed", "err", err)
	}
}

// Replay re-creates the in-flight entry for every journalled delivery. The
// queue is declared first so RESTORE_ACK_MESSAGE_ID always lands on an
// existing queue.
func (w *Worker) Replay(ctx context.Context, pool *client.Pool) error {
	total, err := w.store.Count()
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	logging.Op().Info("replaying ack journal", "rows", total)

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
			if err := c.RestoreAckMessageID(r.QueueName, r.MessageID); err != nil {
				if errors.Is(err, client.ErrFail) {
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
	logging.Op().Info("ack journal replayed", "restored", restored)
	return nil
}
