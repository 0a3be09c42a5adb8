package push

import (
	"sync"
	"sync/atomic"

	"github.com/ghantakiran/axion-stock-sub002/internal/backpressure"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
	"github.com/ghantakiran/axion-stock-sub002/internal/session"
	"github.com/ghantakiran/axion-stock-sub002/internal/transport"
)

// client binds one live connection to its session, outbound queue and
// delivery gates.
type client struct {
	connID  string
	userID  string
	sess    *session.Session
	conn    transport.Conn
	handler *backpressure.Handler

	// throttled suppresses LOW-priority delivery while the consumer is
	// marked slow. The client is not told; relief is internal.
	throttled atomic.Bool

	// gates holds, per channel, the highest sequence already enqueued or
	// accounted for at subscribe/replay time. accept advances the gate as
	// it admits, so a sequence offered twice (broadcast redelivery, or the
	// live path racing the post-resume ring sweep) is dropped the second
	// time and nothing from before the subscription leaks through.
	mu    sync.Mutex
	gates map[string]uint64
}

func (c *client) setGate(channel string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.gates[channel] {
		c.gates[channel] = seq
	}
}

func (c *client) clearGate(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gates, channel)
}

// accept applies the throttle filter, then checks and advances the channel
// gate in one critical section before handing the message to the queue.
// Must not block; Enqueue never does.
func (c *client) accept(msg *router.Message) bool {
	if msg.Priority == router.PriorityLow && c.throttled.Load() {
		return false
	}
	c.mu.Lock()
	if msg.Sequence <= c.gates[msg.Channel] {
		c.mu.Unlock()
		return false
	}
	c.gates[msg.Channel] = msg.Sequence
	c.mu.Unlock()
	c.handler.Enqueue(msg)
	return true
}
