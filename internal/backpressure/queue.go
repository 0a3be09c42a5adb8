// Package backpressure owns the bounded outbound path of one connection: a
// capacity-limited queue with a configurable eviction strategy, explicit
// drop notifications, slow-consumer detection and the drain loop that is the
// sole writer to the transport.
package backpressure

import (
	"fmt"
	"sync"

	"github.com/ghantakiran/axion-stock-sub002/internal/router"
)

// Strategy selects the admission policy applied when the queue is full. A
// closed set chosen at configuration time.
type Strategy uint8

const (
	// EvictOldestFirst drops the oldest evictable entry to make room.
	EvictOldestFirst Strategy = iota
	// EvictLowestPriority drops the worst-priority evictable entry
	// regardless of age.
	EvictLowestPriority
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "oldest_first":
		return EvictOldestFirst, nil
	case "lowest_priority":
		return EvictLowestPriority, nil
	default:
		return 0, fmt.Errorf("unknown eviction strategy %q", s)
	}
}

// QueueEntry is one outbound item, owned exclusively by this connection's
// handler.
type QueueEntry struct {
	Msg      *router.Message
	Attempts int
}

// Result reports the outcome of an enqueue.
type Result uint8

const (
	Enqueued Result = iota
	// EnqueuedEvicted means the message was admitted by evicting another
	// entry; the eviction is reported through the drop notice path.
	EnqueuedEvicted
	// Coalesced means the message replaced a queued entry for the same
	// channel; the replaced entry is counted as dropped.
	Coalesced
	// Dropped means the message itself was not admitted.
	Dropped
)

// queue is the bounded FIFO under the handler. Dequeue order is enqueue
// order: the dispatcher enqueues in per-channel sequence order, so FIFO
// drain preserves the ordering guarantee.
type queue struct {
	mu       sync.Mutex
	entries  []*QueueEntry
	capacity int
	strategy Strategy
}

func newQueue(capacity int, strategy Strategy) *queue {
	return &queue{capacity: capacity, strategy: strategy}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// push admits msg, applying the eviction strategy when full. The second
// return value is the evicted message, if any.
func (q *queue) push(msg *router.Message) (Result, *router.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, &QueueEntry{Msg: msg})
		return Enqueued, nil
	}

	// conflation first: a LOW message superseded by a newer one on the same
	// channel costs no extra slot
	if msg.Priority == router.PriorityLow {
		for i, e := range q.entries {
			if e.Msg.Priority == router.PriorityLow && e.Msg.Channel == msg.Channel {
				old := e.Msg
				q.entries[i] = &QueueEntry{Msg: msg}
				return Coalesced, old
			}
		}
	}

	victim := q.pickVictim(msg.Priority)
	if victim < 0 {
		// queue full of CRITICAL entries: the new message is the casualty,
		// whatever its priority
		return Dropped, nil
	}

	evicted := q.entries[victim].Msg
	q.entries = append(q.entries[:victim], q.entries[victim+1:]...)
	q.entries = append(q.entries, &QueueEntry{Msg: msg})
	return EnqueuedEvicted, evicted
}

// pickVictim returns the index to evict for an incoming message of the
// given priority, or -1 when nothing may be evicted. CRITICAL entries are
// never evicted.
func (q *queue) pickVictim(incoming router.Priority) int {
	switch q.strategy {
	case EvictLowestPriority:
		victim := -1
		worst := incoming // only evict entries no more important than the newcomer
		for i, e := range q.entries {
			if e.Msg.Priority == router.PriorityCritical {
				continue
			}
			if e.Msg.Priority > worst || (e.Msg.Priority == worst && victim < 0) {
				worst = e.Msg.Priority
				victim = i
			}
		}
		return victim
	default: // EvictOldestFirst
		for i, e := range q.entries {
			if e.Msg.Priority != router.PriorityCritical {
				return i
			}
		}
		return -1
	}
}

// pop removes and returns the head entry, or nil when empty.
func (q *queue) pop() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}
