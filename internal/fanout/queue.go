// Package fanout routes parsed events to subscriber callbacks through
// bounded per-subscriber queues.
package fanout

import (
	"fmt"
	"sync"

	"feedmux/internal/domain"
)

// OverflowPolicy decides what a full queue does with a new event.
type OverflowPolicy string

const (
	// DropOldest discards the head and admits the new event.
	DropOldest OverflowPolicy = "drop_oldest"
	// CoalesceBySymbol replaces a queued event of the same data type and
	// symbol in place, falling back to DropOldest.
	CoalesceBySymbol OverflowPolicy = "coalesce_by_symbol"
)

const DefaultCapacity = 100

// ParseOverflowPolicy accepts the config spelling of a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case DropOldest, CoalesceBySymbol:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// Queue is a fixed-capacity FIFO ring of events. It never blocks producers.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []domain.Event
	head   int
	count  int
	policy OverflowPolicy
	closed bool

	// Stats
	enqueued  uint64
	dropped   uint64
	coalesced uint64
	delivered uint64
}

// NewQueue creates a queue. capacity < 1 uses DefaultCapacity.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = DropOldest
	}
	q := &Queue{buf: make([]domain.Event, capacity), policy: policy}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push admits ev and returns how many queued or incoming events were
// discarded to make room (0 or 1). A closed queue discards ev.
func (q *Queue) Push(ev domain.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 1
	}
	q.enqueued++

	if q.policy == CoalesceBySymbol {
		if i, ok := q.findLocked(ev.Meta()); ok {
			q.buf[i] = ev
			q.coalesced++
			q.dropped++
			return 1
		}
	}

	dropped := 0
	if q.count == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		dropped = 1
	}

	q.buf[(q.head+q.count)%len(q.buf)] = ev
	q.count++
	q.cond.Signal()
	return dropped
}

// findLocked returns the slot holding an event with the same type and symbol.
func (q *Queue) findLocked(h *domain.Header) (int, bool) {
	for n := 0; n < q.count; n++ {
		i := (q.head + n) % len(q.buf)
		m := q.buf[i].Meta()
		if m.Type == h.Type && m.Symbol == h.Symbol {
			return i, true
		}
	}
	return 0, false
}

// Pop blocks until an event is available or the queue is closed.
func (q *Queue) Pop() (domain.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	ev := q.buf[q.head]
	q.buf[q.head] = nil // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.delivered++
	return ev, true
}

// Close wakes the consumer and discards anything still queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for n := 0; n < q.count; n++ {
		q.buf[(q.head+n)%len(q.buf)] = nil
	}
	q.count = 0
	q.cond.Broadcast()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Len       int
	Capacity  int
	Enqueued  uint64
	Dropped   uint64
	Coalesced uint64
	Delivered uint64
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:       q.count,
		Capacity:  len(q.buf),
		Enqueued:  q.enqueued,
		Dropped:   q.dropped,
		Coalesced: q.coalesced,
		Delivered: q.delivered,
	}
}
