package backpressure

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghantakiran/axion-stock-sub002/internal/router"
	"github.com/ghantakiran/axion-stock-sub002/internal/transport"
)

// Throttler is notified when a connection crosses its queue water marks.
// Implementations pause and resume low-priority flow toward the connection.
type Throttler interface {
	Throttle(connID string)
	Unthrottle(connID string)
}

// Config bounds one connection's outbound path.
type Config struct {
	Capacity int
	Strategy Strategy

	// HighWater and LowWater are occupancy thresholds. Sustained occupancy
	// at or above HighWater for HighWaterGrace marks the consumer slow;
	// occupancy at or below LowWater clears the mark.
	HighWater      int
	LowWater       int
	HighWaterGrace time.Duration

	// MaxSendAttempts is the per-message write budget before the
	// connection is declared dead. SendRetryDelay spaces the attempts.
	MaxSendAttempts int
	SendRetryDelay  time.Duration
}

// Handler drains one connection's queue. All routed data and drop notices
// reach the wire through Enqueue or EnqueueNotice and go out on the drain
// loop; only small control frames are written elsewhere.
type Handler struct {
	connID  string
	conn    transport.Conn
	cfg     Config
	queue   *queue
	log     *zap.Logger
	metrics *Metrics

	throttler Throttler
	onSent    func(*router.Message)
	onDead    func(connID string, err error)

	mu         sync.Mutex
	notices    map[string]*router.DroppedNotice
	noticeKeys []string
	throttled  bool
	aboveSince time.Time

	wake     chan struct{}
	deadOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewHandler wires a handler to its connection. onSent fires after each
// successful write with the message that went out; onDead fires at most
// once when the write budget is exhausted or the transport closes.
func NewHandler(connID string, conn transport.Conn, cfg Config, throttler Throttler, onSent func(*router.Message), onDead func(string, error), log *zap.Logger, metrics *Metrics) *Handler {
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 3
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{
		connID:    connID,
		conn:      conn,
		cfg:       cfg,
		queue:     newQueue(cfg.Capacity, cfg.Strategy),
		log:       log.With(zap.String("conn_id", connID)),
		metrics:   metrics,
		throttler: throttler,
		onSent:    onSent,
		onDead:    onDead,
		notices:   make(map[string]*router.DroppedNotice),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the drain loop.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	go h.drain(ctx)
}

// Stop terminates the drain loop and waits for it to exit. Queued messages
// are abandoned; session state tracks what was actually sent.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

// Len reports current queue occupancy.
func (h *Handler) Len() int { return h.queue.len() }

// Enqueue admits a message without ever blocking the dispatch path. When
// the queue is full the configured strategy picks a casualty, and the loss
// is folded into a per-channel drop notice that will reach the client ahead
// of subsequent data.
func (h *Handler) Enqueue(msg *router.Message) Result {
	res, evicted := h.queue.push(msg)
	switch res {
	case Enqueued:
		h.metrics.Enqueued.Inc()
	case EnqueuedEvicted, Coalesced:
		h.metrics.Enqueued.Inc()
		h.metrics.Dropped.WithLabelValues("evicted").Inc()
		h.recordDrop(evicted)
	case Dropped:
		h.metrics.Dropped.WithLabelValues("rejected").Inc()
		h.recordDrop(msg)
	}
	h.checkHighWater()
	h.signal()
	return res
}

// EnqueueNotice queues a drop notification that did not originate here,
// such as a replay gap discovered on reconnect. Notices bypass admission
// control: they are tiny and must not themselves be dropped.
func (h *Handler) EnqueueNotice(n *router.DroppedNotice) {
	h.mu.Lock()
	if cur, ok := h.notices[n.Channel]; ok {
		cur.Count += n.Count
		if n.FromSeq < cur.FromSeq {
			cur.FromSeq = n.FromSeq
		}
		if n.ToSeq > cur.ToSeq {
			cur.ToSeq = n.ToSeq
		}
	} else {
		c := *n
		h.notices[n.Channel] = &c
		h.noticeKeys = append(h.noticeKeys, n.Channel)
	}
	h.mu.Unlock()
	h.signal()
}

func (h *Handler) recordDrop(msg *router.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.notices[msg.Channel]; ok {
		cur.Count++
		if msg.Sequence < cur.FromSeq {
			cur.FromSeq = msg.Sequence
		}
		if msg.Sequence > cur.ToSeq {
			cur.ToSeq = msg.Sequence
		}
		return
	}
	h.notices[msg.Channel] = &router.DroppedNotice{
		Channel: msg.Channel,
		Count:   1,
		FromSeq: msg.Sequence,
		ToSeq:   msg.Sequence,
	}
	h.noticeKeys = append(h.noticeKeys, msg.Channel)
}

// popNotices drains all pending notices in arrival order.
func (h *Handler) popNotices() []*router.DroppedNotice {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.noticeKeys) == 0 {
		return nil
	}
	out := make([]*router.DroppedNotice, 0, len(h.noticeKeys))
	for _, ch := range h.noticeKeys {
		out = append(out, h.notices[ch])
	}
	h.notices = make(map[string]*router.DroppedNotice)
	h.noticeKeys = nil
	return out
}

func (h *Handler) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// checkHighWater runs on every enqueue. Crossing HighWater starts the grace
// clock; staying above it past HighWaterGrace throttles the connection.
func (h *Handler) checkHighWater() {
	if h.throttler == nil {
		return
	}
	occ := h.queue.len()
	h.mu.Lock()
	switch {
	case occ >= h.cfg.HighWater:
		if h.aboveSince.IsZero() {
			h.aboveSince = time.Now()
		} else if !h.throttled && time.Since(h.aboveSince) >= h.cfg.HighWaterGrace {
			h.throttled = true
			h.mu.Unlock()
			h.metrics.Throttled.Inc()
			h.log.Warn("slow consumer, throttling low-priority flow",
				zap.Int("occupancy", occ),
				zap.Int("high_water", h.cfg.HighWater))
			h.throttler.Throttle(h.connID)
			return
		}
	case occ < h.cfg.HighWater && !h.throttled:
		h.aboveSince = time.Time{}
	}
	h.mu.Unlock()
}

// checkLowWater runs after each successful send while throttled.
func (h *Handler) checkLowWater() {
	if h.throttler == nil {
		return
	}
	h.mu.Lock()
	if !h.throttled || h.queue.len() > h.cfg.LowWater {
		h.mu.Unlock()
		return
	}
	h.throttled = false
	h.aboveSince = time.Time{}
	h.mu.Unlock()
	h.log.Info("consumer recovered, restoring low-priority flow")
	h.throttler.Unthrottle(h.connID)
}

func (h *Handler) drain(ctx context.Context) {
	defer close(h.done)
	for {
		if !h.flushNotices(ctx) {
			return
		}
		entry := h.queue.pop()
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-h.wake:
			}
			continue
		}
		if !h.send(ctx, entry) {
			return
		}
	}
}

func (h *Handler) flushNotices(ctx context.Context) bool {
	for _, n := range h.popNotices() {
		data, err := encodeDroppedFrame(n)
		if err != nil {
			h.log.Error("encode drop notice", zap.Error(err))
			continue
		}
		if err := h.conn.Send(ctx, data); err != nil {
			h.dead(err)
			return false
		}
		h.metrics.NoticesSent.Inc()
	}
	return true
}

// send writes one entry, retrying transient failures up to the configured
// budget. Returns false when the drain loop should exit.
func (h *Handler) send(ctx context.Context, entry *QueueEntry) bool {
	data, err := encodeMessageFrame(entry.Msg)
	if err != nil {
		h.log.Error("encode frame", zap.Error(err),
			zap.String("channel", entry.Msg.Channel),
			zap.Uint64("sequence", entry.Msg.Sequence))
		return true
	}
	for {
		err := h.conn.Send(ctx, data)
		if err == nil {
			h.metrics.Sent.Inc()
			if h.onSent != nil {
				h.onSent(entry.Msg)
			}
			h.checkLowWater()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if err == transport.ErrClosed {
			h.dead(err)
			return false
		}
		entry.Attempts++
		h.metrics.SendRetries.Inc()
		if entry.Attempts >= h.cfg.MaxSendAttempts {
			h.log.Warn("send attempts exhausted, declaring connection dead",
				zap.Int("attempts", entry.Attempts), zap.Error(err))
			h.dead(err)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.cfg.SendRetryDelay):
		}
	}
}

func (h *Handler) dead(err error) {
	h.deadOnce.Do(func() {
		h.metrics.DeadConnections.Inc()
		if h.onDead != nil {
			h.onDead(h.connID, err)
		}
	})
}
