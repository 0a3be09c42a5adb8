package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghantakiran/axion-stock-sub002/internal/backpressure"
	"github.com/ghantakiran/axion-stock-sub002/internal/registry"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
	"github.com/ghantakiran/axion-stock-sub002/internal/session"
	"github.com/ghantakiran/axion-stock-sub002/internal/transport"
)

// Config tunes the connection-facing service.
type Config struct {
	InstanceID string
	Queue      backpressure.Config
	// OpTimeout bounds coordination-store work done on behalf of a single
	// client command.
	OpTimeout time.Duration
}

// Service accepts transports and runs them: registration, inbound command
// loop, outbound queue, session lifecycle and reconnect replay.
type Service struct {
	cfg       Config
	reg       *registry.Registry
	sessions  *session.Manager
	rt        *router.Router
	log       *zap.Logger
	metrics   *Metrics
	bpMetrics *backpressure.Metrics

	mu      sync.RWMutex
	clients map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group
}

// New assembles the service. The backpressure metrics are shared across
// every connection's handler.
func New(cfg Config, reg *registry.Registry, sessions *session.Manager, rt *router.Router, log *zap.Logger, metrics *Metrics, bpMetrics *backpressure.Metrics) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if bpMetrics == nil {
		bpMetrics = backpressure.NewMetrics(nil)
	}
	return &Service{
		cfg:       cfg,
		reg:       reg,
		sessions:  sessions,
		rt:        rt,
		log:       log,
		metrics:   metrics,
		bpMetrics: bpMetrics,
		clients:   make(map[string]*client),
	}
}

// Start launches the router dispatch path and the session sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.g, _ = errgroup.WithContext(s.ctx)
	s.sessions.Start(s.ctx)
	if err := s.rt.Start(s.ctx, s.dispatch); err != nil {
		return err
	}
	s.log.Info("push service started", zap.String("instance_id", s.cfg.InstanceID))
	return nil
}

// Stop closes every connection, flushes this instance's registry state and
// halts the dispatch path.
func (s *Service) Stop(ctx context.Context) error {
	s.rt.Stop()
	s.cancel()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.handler.Stop()
		c.conn.Close()
	}
	if err := s.g.Wait(); err != nil {
		s.log.Warn("read loops exited with error", zap.Error(err))
	}
	s.sessions.Stop()

	if err := s.reg.FlushLocal(ctx); err != nil {
		return err
	}
	s.log.Info("push service stopped")
	return nil
}

// Connect opens a fresh session on conn and starts serving it. The
// connection is closed before returning an error.
func (s *Service) Connect(ctx context.Context, conn transport.Conn, userID string) (string, error) {
	connID := uuid.NewString()
	sess := s.sessions.Create(ctx, userID, connID)

	if err := s.reg.Register(ctx, connID, userID, sess.ID); err != nil {
		s.sessions.Remove(ctx, sess.ID)
		s.refuse(ctx, conn, "connect", err)
		return "", err
	}

	c := s.newClient(connID, userID, sess, conn)

	hello := encodeControl(control{Type: "hello", SessionID: sess.ID, ConnID: connID})
	if err := conn.Send(ctx, hello); err != nil {
		s.teardown(ctx, c)
		return "", err
	}

	s.attach(c)
	s.metrics.Connects.Inc()
	s.log.Info("connection opened",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.String("session_id", sess.ID),
		zap.String("remote", conn.RemoteAddr()))
	return connID, nil
}

// Resume attaches conn to an existing session, replays what the client
// missed, and resumes live delivery. Replayed messages reach the client in
// sequence order before anything newer.
func (s *Service) Resume(ctx context.Context, conn transport.Conn, sessionID string) (string, error) {
	connID := uuid.NewString()

	sess, displaced, err := s.sessions.OnReconnect(ctx, sessionID, connID)
	if err != nil {
		s.refuse(ctx, conn, "resume", err)
		return "", err
	}
	if displaced != "" {
		// most recent connection wins; the stale one goes away without
		// touching the session we just attached to
		s.drop(displaced, false, "displaced by reconnect")
	}

	if err := s.reg.Register(ctx, connID, sess.UserID, sess.ID); err != nil {
		s.sessions.OnDisconnect(ctx, sess.ID, connID)
		s.refuse(ctx, conn, "resume", err)
		return "", err
	}
	for _, ch := range sess.Channels() {
		if err := s.reg.Subscribe(ctx, connID, ch); err != nil {
			s.log.Warn("restore subscription", zap.String("channel", ch), zap.Error(err))
		}
	}

	c := s.newClient(connID, sess.UserID, sess, conn)

	hello := encodeControl(control{Type: "hello", SessionID: sess.ID, ConnID: connID, Resumed: true})
	if err := conn.Send(ctx, hello); err != nil {
		s.teardown(ctx, c)
		return "", err
	}

	// replay into the queue before the client becomes visible to live
	// dispatch, then sweep once more to cover messages dispatched in
	// between; the gates keep anything from arriving twice
	gates := s.sessions.Replay(ctx, sess,
		func(msg *router.Message) { c.handler.Enqueue(msg) },
		func(n *router.DroppedNotice) { c.handler.EnqueueNotice(n) })
	c.mu.Lock()
	for ch, gate := range gates {
		c.gates[ch] = gate
	}
	c.mu.Unlock()

	s.attach(c)
	for ch, gate := range gates {
		msgs, _ := s.rt.Replay(ch, gate)
		for _, msg := range msgs {
			c.accept(msg)
		}
	}

	s.metrics.Resumes.Inc()
	s.log.Info("connection resumed",
		zap.String("conn_id", connID),
		zap.String("session_id", sess.ID),
		zap.String("displaced", displaced))
	return connID, nil
}

// Disconnect closes a connection server-side. The session enters its grace
// window.
func (s *Service) Disconnect(connID string) {
	s.drop(connID, true, "server disconnect")
}

// ActiveConnections reports connections served by this instance.
func (s *Service) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Service) newClient(connID, userID string, sess *session.Session, conn transport.Conn) *client {
	c := &client{
		connID: connID,
		userID: userID,
		sess:   sess,
		conn:   conn,
		gates:  make(map[string]uint64),
	}
	c.handler = backpressure.NewHandler(connID, conn, s.cfg.Queue, s,
		func(msg *router.Message) { sess.MarkDelivered(msg.Channel, msg.Sequence) },
		s.onDead, s.log, s.bpMetrics)
	return c
}

// attach makes the client visible to dispatch and starts its queue and
// read loop.
func (s *Service) attach(c *client) {
	s.mu.Lock()
	s.clients[c.connID] = c
	s.mu.Unlock()
	s.metrics.ActiveConnections.Inc()

	c.handler.Start(s.ctx)
	s.g.Go(func() error {
		s.readLoop(c)
		return nil
	})
}

// teardown undoes a partially established connection.
func (s *Service) teardown(ctx context.Context, c *client) {
	c.conn.Close()
	if err := s.reg.Unregister(ctx, c.connID); err != nil {
		s.log.Warn("unregister", zap.String("conn_id", c.connID), zap.Error(err))
	}
	s.sessions.OnDisconnect(ctx, c.sess.ID, c.connID)
}

func (s *Service) refuse(ctx context.Context, conn transport.Conn, op string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, registry.ErrLimitExceeded):
		reason = "limit_exceeded"
	case errors.Is(err, session.ErrSessionExpired):
		reason = "session_expired"
	case errors.Is(err, session.ErrTooManyAttempts):
		reason = "too_many_attempts"
	}
	s.metrics.Refused.WithLabelValues(reason).Inc()
	conn.Send(ctx, encodeControl(control{Type: "error", Op: op, Error: reason}))
	conn.Close()
}

// drop removes a client. disconnectSession starts the session grace window;
// it is false only when the session already moved to another connection.
func (s *Service) drop(connID string, disconnectSession bool, reason string) {
	s.mu.Lock()
	c, ok := s.clients[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, connID)
	s.mu.Unlock()
	s.metrics.ActiveConnections.Dec()

	c.handler.Stop()
	c.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if err := s.reg.Unregister(ctx, connID); err != nil {
		s.log.Warn("unregister", zap.String("conn_id", connID), zap.Error(err))
	}
	if disconnectSession {
		s.sessions.OnDisconnect(ctx, c.sess.ID, c.connID)
	}
	s.log.Info("connection dropped",
		zap.String("conn_id", connID),
		zap.String("reason", reason))
}

// onDead runs inside a handler's drain loop when a connection exhausts its
// send budget; the teardown happens off that goroutine.
func (s *Service) onDead(connID string, err error) {
	s.log.Warn("dead connection", zap.String("conn_id", connID), zap.Error(err))
	go s.drop(connID, true, "send budget exhausted")
}

// Throttle implements backpressure.Throttler: LOW-priority flow toward the
// connection is suppressed until the queue drains. The client is not told.
func (s *Service) Throttle(connID string) {
	if c := s.lookup(connID); c != nil {
		c.throttled.Store(true)
	}
}

// Unthrottle restores LOW-priority flow.
func (s *Service) Unthrottle(connID string) {
	if c := s.lookup(connID); c != nil {
		c.throttled.Store(false)
	}
}

func (s *Service) lookup(connID string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[connID]
}

// dispatch receives every routed message on this instance and fans it out
// to the local connections that should see it.
func (s *Service) dispatch(msg *router.Message) {
	if connID, ok := router.UnicastConnID(msg.Channel); ok {
		if c := s.lookup(connID); c != nil {
			c.accept(msg)
		}
		return
	}
	for _, connID := range s.reg.LocalSubscribers(msg.Channel) {
		if c := s.lookup(connID); c != nil {
			c.accept(msg)
		}
	}
}

// readLoop serves one connection's inbound commands until the transport
// errors or the service stops.
func (s *Service) readLoop(c *client) {
	for {
		data, err := c.conn.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				s.log.Debug("receive", zap.String("conn_id", c.connID), zap.Error(err))
			}
			s.drop(c.connID, true, "transport closed")
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.reply(c, control{Type: "error", Error: "malformed frame"})
			continue
		}
		s.handle(c, &cmd)
	}
}

func (s *Service) handle(c *client, cmd *command) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpTimeout)
	defer cancel()
	s.metrics.Commands.WithLabelValues(cmd.Op).Inc()

	switch cmd.Op {
	case "subscribe":
		s.subscribe(ctx, c, cmd.Channel)
	case "unsubscribe":
		s.unsubscribe(ctx, c, cmd.Channel)
	case "publish":
		s.publish(ctx, c, cmd)
	case "ping":
		if err := s.reg.Heartbeat(ctx, c.connID); err != nil {
			s.log.Debug("heartbeat", zap.String("conn_id", c.connID), zap.Error(err))
		}
		s.reply(c, control{Type: "pong"})
	case "logout":
		// clean logout ends the session immediately, no grace window
		s.reply(c, control{Type: "ack", Op: "logout"})
		s.sessions.Remove(ctx, c.sess.ID)
		s.drop(c.connID, false, "logout")
	default:
		s.reply(c, control{Type: "error", Op: cmd.Op, Error: "unknown op"})
	}
}

// subscribe pins the channel's current sequence as both replay cursor and
// delivery gate, so the client sees only messages published after this
// point.
func (s *Service) subscribe(ctx context.Context, c *client, channel string) {
	if channel == "" {
		s.reply(c, control{Type: "error", Op: "subscribe", Error: "missing channel"})
		return
	}
	cur, err := s.rt.CurrentSequence(ctx, channel)
	if err != nil {
		s.reply(c, control{Type: "error", Op: "subscribe", Channel: channel, Error: "unavailable"})
		return
	}
	if err := s.reg.Subscribe(ctx, c.connID, channel); err != nil {
		s.reply(c, control{Type: "error", Op: "subscribe", Channel: channel, Error: "unavailable"})
		return
	}
	c.sess.Track(channel, cur)
	c.setGate(channel, cur)
	s.reply(c, control{Type: "ack", Op: "subscribe", Channel: channel, Sequence: cur})
}

func (s *Service) unsubscribe(ctx context.Context, c *client, channel string) {
	if err := s.reg.Unsubscribe(ctx, c.connID, channel); err != nil {
		s.log.Warn("unsubscribe", zap.String("channel", channel), zap.Error(err))
	}
	c.sess.Untrack(channel)
	c.clearGate(channel)
	s.reply(c, control{Type: "ack", Op: "unsubscribe", Channel: channel})
}

func (s *Service) publish(ctx context.Context, c *client, cmd *command) {
	prio, err := router.ParsePriority(cmd.Priority)
	if err != nil {
		s.reply(c, control{Type: "error", Op: "publish", Channel: cmd.Channel, Error: "bad priority"})
		return
	}
	seq, err := s.rt.PublishWithRetry(ctx, cmd.Channel, cmd.Payload, prio)
	if err != nil {
		s.reply(c, control{Type: "error", Op: "publish", Channel: cmd.Channel, Error: "unavailable"})
		return
	}
	s.reply(c, control{Type: "ack", Op: "publish", Channel: cmd.Channel, Sequence: seq})
}

// reply writes a control frame directly; transports serialize concurrent
// sends, so control frames interleave safely with queue drain.
func (s *Service) reply(c *client, ctl control) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := c.conn.Send(ctx, encodeControl(ctl)); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.log.Debug("send control", zap.String("conn_id", c.connID), zap.Error(err))
	}
}
