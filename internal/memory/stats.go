package memory

import "time"

// Rate sampling windows. Rates are recomputed when more than sampleWindow
// has elapsed since the last sample; a queue with no counter updates for
// staleAfter reports zero rates rather than a stale value.
const (
	sampleWindow = 10 * time.Second
	staleAfter   = 20 * time.Second
)

// rateState derives short-window send/get/ack rates from the monotonic
// counters. Guarded by the owning queue's mutex.
type rateState struct {
	lastSample  time.Time
	lastUpdate  time.Time
	sentAtLast  uint64
	fetchAtLast uint64
	ackAtLast   uint64

	sendRate float64
	getRate  float64
	ackRate  float64
}

// touch is called under the queue mutex after every counter increment.
func (q *queueState) touch(now time.Time) {
	q.rates.lastUpdate = now
	q.sample(now)
}

// sample recomputes the three rates from the current counters when the
// window has elapsed. Assumes the queue mutex is held.
func (q *queueState) sample(now time.Time) {
	r := &q.rates
	if r.lastSample.IsZero() {
		r.lastSample = now
		r.sentAtLast = q.sent
		r.fetchAtLast = q.fetched
		r.ackAtLast = q.acked
		return
	}
	elapsed := now.Sub(r.lastSample)
	if elapsed <= sampleWindow {
		return
	}
	secs := elapsed.Seconds()
	r.sendRate = float64(q.sent-r.sentAtLast) / secs
	r.getRate = float64(q.fetched-r.fetchAtLast) / secs
	r.ackRate = float64(q.acked-r.ackAtLast) / secs
	r.sentAtLast = q.sent
	r.fetchAtLast = q.fetched
	r.ackAtLast = q.acked
	r.lastSample = now
}

// rateSnapshot applies the staleness hysteresis. Assumes the queue mutex is
// held.
func (q *queueState) rateSnapshot(now time.Time) (send, get, ack float64) {
	q.sample(now)
	r := &q.rates
	if r.lastUpdate.IsZero() || now.Sub(r.lastUpdate) > staleAfter {
		return 0, 0, 0
	}
	return r.sendRate, r.getRate, r.ackRate
}

// Speed holds one queue's current send/get/ack rates.
type Speed struct {
	Send float64
	Get  float64
	Ack  float64
}

// Speed returns the current rates for one queue.
func (s *Store) Speed(name string) (Speed, bool) {
	q, ok := s.queue(name)
	if !ok {
		return Speed{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	send, get, ack := q.rateSnapshot(s.now())
	return Speed{Send: send, Get: get, Ack: ack}, true
}

// QueueStat is one queue's statistics snapshot, observed under a single
// acquisition of that queue's lock.
type QueueStat struct {
	Depth      int
	QueueBytes int64
	Inflight   int
	AckBytes   int64
	Sent       uint64
	Fetched    uint64
	Acked      uint64
	Speed      Speed
}

// Stat snapshots every queue. Per-queue values are copied under each queue's
// lock in turn, then assembled; cross-queue consistency is not guaranteed
// and not required.
func (s *Store) Stat() map[string]QueueStat {
	s.mu.RLock()
	names := make([]string, 0, len(s.queues))
	states := make([]*queueState, 0, len(s.queues))
	for name, q := range s.queues {
		names = append(names, name)
		states = append(states, q)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make(map[string]QueueStat, len(names))
	for i, q := range states {
		q.mu.Lock()
		send, get, ack := q.rateSnapshot(now)
		out[names[i]] = QueueStat{
			Depth:      len(q.fifo) - q.head,
			QueueBytes: q.queueBytes,
			Inflight:   len(q.inflight),
			AckBytes:   q.ackBytes,
			Sent:       q.sent,
			Fetched:    q.fetched,
			Acked:      q.acked,
			Speed:      Speed{Send: send, Get: get, Ack: ack},
		}
		q.mu.Unlock()
	}
	return out
}
