package router

import "sync"

// ring holds the most recent messages for one channel, overwriting the
// oldest entry when full. It is the local replay window consulted after a
// reconnect.
type ring struct {
	mu    sync.RWMutex
	buf   []*Message
	size  int
	start int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]*Message, size), size: size}
}

func (r *ring) add(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// since returns the retained messages with Sequence > since in sequence
// order, plus the oldest retained sequence. A caller asking for a point
// older than the window detects the gap by comparing oldest against
// since+1.
func (r *ring) since(since uint64) (msgs []*Message, oldest uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if i == 0 {
			oldest = msg.Sequence
		}
		if msg.Sequence > since {
			msgs = append(msgs, msg)
		}
	}
	return msgs, oldest
}
