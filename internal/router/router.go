package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
)

// ErrRouterUnavailable indicates the broadcast medium or sequence store is
// unreachable. Publish is not queued past the bounded retry window; callers
// retry with backoff.
var ErrRouterUnavailable = errors.New("router unavailable")

// broadcastTopic is the single coordination-store topic all instances
// subscribe to; each instance filters against its local connections.
const broadcastTopic = "messages"

// DeliverFunc receives every broadcast message on this instance. It must not
// block: it hands the message to per-connection queues and returns.
type DeliverFunc func(*Message)

// Config tunes the router.
type Config struct {
	InstanceID         string
	Dispatchers        int
	ReplayDepth        int
	PublishRetryWindow time.Duration
}

// Router assigns sequence numbers, publishes into the broadcast medium and
// dispatches inbound broadcasts to the local delivery path.
type Router struct {
	kv      coordination.KV
	bcast   coordination.Broadcast
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	deliver DeliverFunc

	ringMu sync.Mutex
	rings  map[string]*ring

	workers []chan *Message

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a router over the given coordination capabilities.
func New(kv coordination.KV, bcast coordination.Broadcast, cfg Config, logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dispatchers <= 0 {
		cfg.Dispatchers = 4
	}
	if cfg.ReplayDepth <= 0 {
		cfg.ReplayDepth = 1024
	}
	if cfg.PublishRetryWindow <= 0 {
		cfg.PublishRetryWindow = 2 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Router{
		kv:      kv,
		bcast:   bcast,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		rings:   make(map[string]*ring),
	}
}

func seqKey(channel string) string { return "seq:" + channel }

// Start subscribes to the broadcast medium and launches the dispatcher pool
// feeding deliver.
func (r *Router) Start(ctx context.Context, deliver DeliverFunc) error {
	if r.started {
		return errors.New("router already started")
	}
	r.deliver = deliver

	ch, err := r.bcast.Subscribe(ctx, broadcastTopic)
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	// One reader fans envelopes out to a fixed worker pool, sharded by
	// channel name so per-channel order survives the pool.
	r.workers = make([]chan *Message, r.cfg.Dispatchers)
	for i := range r.workers {
		r.workers[i] = make(chan *Message, 256)
		r.wg.Add(1)
		go r.dispatchLoop(loopCtx, r.workers[i])
	}
	r.wg.Add(1)
	go r.readLoop(loopCtx, ch)
	r.started = true

	r.logger.Info("router started",
		zap.String("instance_id", r.cfg.InstanceID),
		zap.Int("dispatchers", r.cfg.Dispatchers))
	return nil
}

// Stop halts the dispatcher pool. The broadcast backend is closed by its
// owner.
func (r *Router) Stop() {
	if !r.started {
		return
	}
	r.cancel()
	r.bcast.Unsubscribe(context.Background(), broadcastTopic)
	r.wg.Wait()
	r.started = false
	r.logger.Info("router stopped")
}

// Publish assigns the next sequence for the channel and makes the message
// visible to all instances. The counter increment happens strictly before
// the broadcast, so no subscriber can observe sequence n+1 before n exists.
func (r *Router) Publish(ctx context.Context, channel string, payload []byte, priority Priority) (uint64, error) {
	seq, err := r.kv.Incr(ctx, seqKey(channel), 1)
	if err != nil {
		r.metrics.PublishFailures.Inc()
		return 0, fmt.Errorf("sequence for %q: %w: %v", channel, ErrRouterUnavailable, err)
	}

	msg := &Message{
		Channel:     channel,
		Sequence:    uint64(seq),
		Priority:    priority,
		Payload:     payload,
		PublishedAt: time.Now(),
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return 0, err
	}
	if err := r.bcast.Publish(ctx, broadcastTopic, data); err != nil {
		r.metrics.PublishFailures.Inc()
		return 0, fmt.Errorf("broadcast %q seq %d: %w: %v", channel, msg.Sequence, ErrRouterUnavailable, err)
	}

	r.metrics.Published.Inc()
	return msg.Sequence, nil
}

// PublishWithRetry retries Publish with exponential backoff for a bounded
// window while the router is unavailable. Nothing is queued locally beyond
// that window.
func (r *Router) PublishWithRetry(ctx context.Context, channel string, payload []byte, priority Priority) (uint64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond

	return backoff.Retry(ctx, func() (uint64, error) {
		seq, err := r.Publish(ctx, channel, payload, priority)
		if err != nil && !errors.Is(err, ErrRouterUnavailable) {
			return 0, backoff.Permanent(err)
		}
		return seq, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(r.cfg.PublishRetryWindow),
	)
}

// PublishUnicast addresses a single connection through the channel
// namespace.
func (r *Router) PublishUnicast(ctx context.Context, connID string, payload []byte, priority Priority) (uint64, error) {
	return r.Publish(ctx, UnicastChannel(connID), payload, priority)
}

// PublishGroup addresses a named multicast group.
func (r *Router) PublishGroup(ctx context.Context, group string, payload []byte, priority Priority) (uint64, error) {
	return r.Publish(ctx, GroupChannel(group), payload, priority)
}

// CurrentSequence returns the channel's sequence counter without consuming a
// number. New subscriptions snapshot this so replay never reaches back
// before the subscription existed.
func (r *Router) CurrentSequence(ctx context.Context, channel string) (uint64, error) {
	data, err := r.kv.Get(ctx, seqKey(channel))
	if err != nil {
		return 0, fmt.Errorf("sequence for %q: %w: %v", channel, ErrRouterUnavailable, err)
	}
	if data == nil {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence for %q: %w", channel, err)
	}
	return n, nil
}

// readLoop consumes broadcast envelopes and shards them across the worker
// pool by channel name, preserving per-channel order.
func (r *Router) readLoop(ctx context.Context, ch <-chan *coordination.Envelope) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decodeMessage(env.Payload)
			if err != nil {
				r.logger.Error("dropping undecodable broadcast", zap.Error(err))
				continue
			}
			select {
			case r.workers[r.shardFor(msg.Channel)] <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Router) shardFor(channel string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(channel))
	return int(hasher.Sum32() % uint32(len(r.workers)))
}

// dispatchLoop records each message in its channel's replay ring and hands
// it to the local delivery path.
func (r *Router) dispatchLoop(ctx context.Context, ch <-chan *Message) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			r.record(msg)
			r.metrics.Dispatched.Inc()
			if r.deliver != nil {
				r.deliver(msg)
			}
		}
	}
}

func (r *Router) record(msg *Message) {
	r.ringMu.Lock()
	buf, ok := r.rings[msg.Channel]
	if !ok {
		buf = newRing(r.cfg.ReplayDepth)
		r.rings[msg.Channel] = buf
	}
	r.ringMu.Unlock()
	buf.add(msg)
}

// Replay returns the locally retained messages for channel with sequence
// greater than since, in order, plus a notice describing any gap between
// since and the oldest retained message. A nil notice means the window
// covered the request.
func (r *Router) Replay(channel string, since uint64) ([]*Message, *DroppedNotice) {
	r.ringMu.Lock()
	buf, ok := r.rings[channel]
	r.ringMu.Unlock()
	if !ok {
		return nil, nil
	}

	msgs, oldest := buf.since(since)
	if oldest > since+1 {
		// buffer overflowed past the resume point; report, never silently skip
		return msgs, &DroppedNotice{
			Channel: channel,
			Count:   oldest - since - 1,
			FromSeq: since + 1,
			ToSeq:   oldest - 1,
		}
	}
	return msgs, nil
}
