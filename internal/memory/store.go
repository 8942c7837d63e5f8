// Package memory holds the broker's in-memory state: one FIFO of pending
// messages, one in-flight set, and one group of statistics counters per
// declared queue. Each queue's tuple is guarded by its own mutex, so a
// statistics snapshot is always consistent for a single queue.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Message is one (identifier, payload) pair held in a queue FIFO.
type Message struct {
	ID   string
	Data string
}

var idSeq atomic.Uint64

// NewMessageID mints a delivery identifier unique within the broker's
// lifetime. The wall-clock timestamp alone repeats under bursts, so a
// process-local counter is appended.
func NewMessageID() string {
	return fmt.Sprintf("task_id:%d:%d", time.Now().UnixNano(), idSeq.Add(1))
}

// queueState is the per-queue tuple. All fields are guarded by mu.
type queueState struct {
	mu sync.Mutex

	fifo    []Message
	head    int                 // index of the FIFO head within fifo
	pending map[string]struct{} // ids currently in fifo

	inflight map[string]struct{}

	queueBytes int64 // sum of pending payload lengths
	ackBytes   int64 // sum of in-flight id lengths

	sent    uint64
	fetched uint64
	acked   uint64
	drops   uint64 // administrative drops, not reported on the wire

	rates rateState
}

// Store maps queue names to their state. The outer lock only guards the map;
// per-queue mutation happens under the queue's own mutex.
type Store struct {
	mu     sync.RWMutex
	queues map[string]*queueState

	now func() time.Time // test seam
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		queues: make(map[string]*queueState),
		now:    time.Now,
	}
}

func (s *Store) queue(name string) (*queueState, bool) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	return q, ok
}

// Declare creates the queue, its in-flight set, and its counters. It fails
// without mutation when the queue already exists.
func (s *Store) Declare(name string) bool {
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; ok {
		return false
	}
	s.queues[name] = &queueState{
		pending:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
	return true
}

// Delete removes the queue together with its in-flight set and counters.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		return false
	}
	delete(s.queues, name)
	return true
}

// Clear empties the FIFO and the in-flight set but keeps the queue declared
// and its counters intact.
func (s *Store) Clear(name string) bool {
	q, ok := s.queue(name)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo = nil
	q.head = 0
	q.pending = make(map[string]struct{})
	q.inflight = make(map[string]struct{})
	q.queueBytes = 0
	q.ackBytes = 0
	return true
}

// Put appends a newly minted message at the FIFO tail and returns its
// identifier. It fails on an unknown queue.
func (s *Store) Put(name, data string) (string, bool) {
	q, ok := s.queue(name)
	if !ok {
		return "", false
	}
	id := NewMessageID()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.append(Message{ID: id, Data: data})
	q.sent++
	q.touch(s.now())
	return id, true
}

// Restore appends a message at the FIFO tail preserving the supplied
// identifier. Replay is idempotent: an identifier already pending or
// in-flight in this queue is rejected.
func (s *Store) Restore(name, id, data string) bool {
	q, ok := s.queue(name)
	if !ok || id == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.pending[id]; dup {
		return false
	}
	if _, dup := q.inflight[id]; dup {
		return false
	}
	q.append(Message{ID: id, Data: data})
	q.sent++
	return true
}

// Pop removes the FIFO head, records the delivery in the in-flight set, and
// returns the message. It fails on an empty or unknown queue.
func (s *Store) Pop(name string) (Message, bool) {
	q, ok := s.queue(name)
	if !ok {
		return Message{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.fifo) {
		return Message{}, false
	}
	m := q.fifo[q.head]
	q.fifo[q.head] = Message{}
	q.head++
	if q.head >= len(q.fifo) {
		q.fifo = nil
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.fifo) {
		q.fifo = append([]Message(nil), q.fifo[q.head:]...)
		q.head = 0
	}
	delete(q.pending, m.ID)
	q.queueBytes -= int64(len(m.Data))
	q.inflight[m.ID] = struct{}{}
	q.ackBytes += int64(len(m.ID))
	q.fetched++
	q.touch(s.now())
	return m, true
}

// Ack removes an identifier from the queue's in-flight set and counts the
// acknowledgement. It fails when the identifier is not in flight.
func (s *Store) Ack(name, id string) bool {
	q, ok := s.queue(name)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return false
	}
	delete(q.inflight, id)
	q.ackBytes -= int64(len(id))
	q.acked++
	q.touch(s.now())
	return true
}

// Drop removes an in-flight identifier without counting an acknowledgement.
// The redelivery worker uses it after re-injecting the payload.
func (s *Store) Drop(name, id string) bool {
	q, ok := s.queue(name)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return false
	}
	delete(q.inflight, id)
	q.ackBytes -= int64(len(id))
	q.drops++
	return true
}

// RestoreInflight inserts an identifier directly into the queue's in-flight
// set during ack-journal replay. The queue must already be declared.
func (s *Store) RestoreInflight(name, id string) bool {
	q, ok := s.queue(name)
	if !ok || id == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.inflight[id]; dup {
		return false
	}
	if _, dup := q.pending[id]; dup {
		return false
	}
	q.inflight[id] = struct{}{}
	q.ackBytes += int64(len(id))
	// A restored delivery was sent and fetched before the restart; the
	// counters restart at zero, so both are replayed here to keep
	// sent == fetched + depth and fetched == acked + inflight + drops.
	q.sent++
	q.fetched++
	return true
}

// append assumes q.mu is held.
func (q *queueState) append(m Message) {
	q.fifo = append(q.fifo, m)
	q.pending[m.ID] = struct{}{}
	q.queueBytes += int64(len(m.Data))
}

// Depth returns the number of pending messages in the queue.
func (s *Store) Depth(name string) (int, bool) {
	q, ok := s.queue(name)
	if !ok {
		return 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo) - q.head, true
}

// InflightCount returns the size of the queue's in-flight set.
func (s *Store) InflightCount(name string) (int, bool) {
	q, ok := s.queue(name)
	if !ok {
		return 0, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight), true
}

// InflightHas reports whether the identifier is in the queue's in-flight set.
func (s *Store) InflightHas(name, id string) bool {
	q, ok := s.queue(name)
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok = q.inflight[id]
	return ok
}
