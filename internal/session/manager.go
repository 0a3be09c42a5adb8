package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
)

var (
	// ErrSessionExpired is returned when a reconnect names a session that
	// lapsed or never existed; the client must establish a fresh session.
	ErrSessionExpired = errors.New("session: expired")
	// ErrTooManyAttempts is returned when reconnects for a session arrive
	// faster than the configured minimum interval.
	ErrTooManyAttempts = errors.New("session: too many reconnect attempts")
)

// Replayer provides catch-up data for a channel. Satisfied by
// *router.Router.
type Replayer interface {
	Replay(channel string, since uint64) ([]*router.Message, *router.DroppedNotice)
	CurrentSequence(ctx context.Context, channel string) (uint64, error)
}

// Config bounds session lifecycle behavior.
type Config struct {
	// GraceWindow is how long a session survives without a connection.
	GraceWindow time.Duration
	// MinReconnectInterval floors the spacing of reconnect attempts per
	// session; one extra attempt is allowed as burst.
	MinReconnectInterval time.Duration
	// SweepInterval paces the background pass that expires grace sessions
	// whose timers were lost.
	SweepInterval time.Duration
	// RecordTTL bounds the coordination-store mirror of each session.
	RecordTTL time.Duration
}

// Manager owns every session on this instance. Session state is mirrored
// into the coordination store; the in-process map is authoritative for
// lifecycle decisions, but a reconnect that misses it falls back to the
// mirror so a peer instance can adopt the session after instance loss.
type Manager struct {
	cfg      Config
	kv       coordination.KV
	replayer Replayer
	log      *zap.Logger
	metrics  *Metrics

	// onExpired fires outside the manager lock when a grace window lapses.
	onExpired func(*Session)

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager. onExpired may be nil.
func NewManager(cfg Config, kv coordination.KV, replayer Replayer, onExpired func(*Session), log *zap.Logger, metrics *Metrics) *Manager {
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = cfg.GraceWindow * 2
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		cfg:       cfg,
		kv:        kv,
		replayer:  replayer,
		log:       log,
		metrics:   metrics,
		onExpired: onExpired,
		sessions:  make(map[string]*Session),
		timers:    make(map[string]*time.Timer),
		limiters:  make(map[string]*rate.Limiter),
		done:      make(chan struct{}),
	}
}

// Start launches the sweeper that catches grace sessions whose expiry
// timers were lost.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.sweep(ctx)
}

// Stop halts the sweeper and cancels all pending grace timers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// Create opens a fresh session bound to connID.
func (m *Manager) Create(ctx context.Context, userID, connID string) *Session {
	s := newSession(uuid.NewString(), userID)
	s.state = StateActive
	s.connID = connID

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.Created.Inc()
	m.persist(ctx, s)
	return s
}

// Get looks up a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count reports sessions held by this instance.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OnDisconnect moves a session into grace and arms its expiry timer. The
// connID names the connection that dropped: if the session already moved
// to a newer connection, the call is a no-op.
func (m *Manager) OnDisconnect(ctx context.Context, sessionID, connID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.state != StateActive || s.connID != connID {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.state = StateGrace
	s.connID = ""
	s.disconnectedAt = time.Now().UTC()
	s.mu.Unlock()

	m.timers[sessionID] = time.AfterFunc(m.cfg.GraceWindow, func() {
		m.expire(sessionID)
	})
	m.mu.Unlock()

	m.metrics.Graced.Inc()
	m.persist(ctx, s)
	m.log.Debug("session entered grace",
		zap.String("session_id", sessionID),
		zap.Duration("grace_window", m.cfg.GraceWindow))
}

// OnReconnect attaches a new connection to an existing session. It returns
// the session together with the connection ID it displaced, which is empty
// unless the session was still marked active (the duplicate case: the
// caller must force-close the old connection). Rate limiting is per
// session identity.
func (m *Manager) OnReconnect(ctx context.Context, sessionID, connID string) (*Session, string, error) {
	if !m.limiter(sessionID).Allow() {
		m.metrics.ReconnectsRejected.WithLabelValues("rate_limited").Inc()
		return nil, "", ErrTooManyAttempts
	}

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		// the session may have lived on an instance that is gone; the
		// store mirror is the only copy left
		var err error
		if s, err = m.adopt(ctx, sessionID); err != nil {
			m.metrics.ReconnectsRejected.WithLabelValues("expired").Inc()
			return nil, "", err
		}
	}

	m.mu.Lock()
	s.mu.Lock()
	if s.state == StateExpired {
		s.mu.Unlock()
		m.mu.Unlock()
		m.metrics.ReconnectsRejected.WithLabelValues("expired").Inc()
		return nil, "", ErrSessionExpired
	}
	displaced := ""
	if s.state == StateActive {
		// duplicate reconnect: the most recent connection wins
		displaced = s.connID
	}
	s.state = StateActive
	s.connID = connID
	s.disconnectedAt = time.Time{}
	s.mu.Unlock()

	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()

	m.metrics.Reconnected.Inc()
	m.persist(ctx, s)
	return s, displaced, nil
}

// adopt rebuilds a session from its coordination-store mirror, for a
// reconnect that lands on a different instance than the one that held the
// session. The rebuilt session starts in grace; the caller activates it.
func (m *Manager) adopt(ctx context.Context, sessionID string) (*Session, error) {
	data, err := m.kv.Get(ctx, sessKey(sessionID))
	if err != nil {
		m.log.Warn("read session mirror", zap.String("session_id", sessionID), zap.Error(err))
		return nil, ErrSessionExpired
	}
	if data == nil {
		return nil, ErrSessionExpired
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		m.log.Warn("decode session mirror", zap.String("session_id", sessionID), zap.Error(err))
		return nil, ErrSessionExpired
	}
	if rec.State == StateExpired.String() {
		return nil, ErrSessionExpired
	}
	if rec.State == StateGrace.String() && time.Since(rec.DisconnectedAt) > m.cfg.GraceWindow {
		return nil, ErrSessionExpired
	}

	s := newSession(rec.ID, rec.UserID)
	s.state = StateGrace
	s.disconnectedAt = rec.DisconnectedAt
	if s.disconnectedAt.IsZero() {
		s.disconnectedAt = time.Now().UTC()
	}
	for ch, seq := range rec.Cursors {
		s.channels[ch] = struct{}{}
		s.lastDelivered[ch] = seq
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sessionID]; ok {
		// another reconnect adopted it first
		return cur, nil
	}
	m.sessions[sessionID] = s
	m.metrics.Adopted.Inc()
	m.log.Info("session adopted from store",
		zap.String("session_id", sessionID),
		zap.String("user_id", rec.UserID))
	return s, nil
}

// Remove drops a session outright, as on clean client logout.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	if t, ok := m.timers[sessionID]; ok {
		t.Stop()
		delete(m.timers, sessionID)
	}
	delete(m.sessions, sessionID)
	delete(m.limiters, sessionID)
	m.mu.Unlock()
	if err := m.kv.Delete(ctx, sessKey(sessionID)); err != nil {
		m.log.Warn("delete session mirror", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Replay feeds each tracked channel's missed messages, in sequence order,
// to deliver, and gap notices to notify. It returns the per-channel
// sequence the caller should gate live delivery on: everything at or below
// it has been either replayed or reported dropped, never both.
func (m *Manager) Replay(ctx context.Context, s *Session, deliver func(*router.Message), notify func(*router.DroppedNotice)) map[string]uint64 {
	gates := make(map[string]uint64)
	for channel, last := range s.cursors() {
		msgs, gap := m.replayer.Replay(channel, last)
		gate := last

		if len(msgs) == 0 && gap == nil {
			// the buffer holds nothing past the cursor; anything published
			// since is gone entirely
			if cur, err := m.replayer.CurrentSequence(ctx, channel); err == nil && cur > last {
				gap = &router.DroppedNotice{
					Channel: channel,
					Count:   cur - last,
					FromSeq: last + 1,
					ToSeq:   cur,
				}
			}
		}
		if gap != nil {
			notify(gap)
			m.metrics.ReplayGaps.Inc()
			if gap.ToSeq > gate {
				gate = gap.ToSeq
			}
		}
		for _, msg := range msgs {
			deliver(msg)
			s.MarkDelivered(channel, msg.Sequence)
			if msg.Sequence > gate {
				gate = msg.Sequence
			}
		}
		m.metrics.Replayed.Add(float64(len(msgs)))
		gates[channel] = gate
	}
	return gates
}

// expire runs when a grace timer fires or the sweeper finds a lapsed
// session.
func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.state != StateGrace {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.state = StateExpired
	s.mu.Unlock()

	delete(m.sessions, sessionID)
	delete(m.timers, sessionID)
	delete(m.limiters, sessionID)
	m.mu.Unlock()

	m.metrics.Expired.Inc()
	m.log.Info("session expired", zap.String("session_id", sessionID), zap.String("user_id", s.UserID))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.kv.Delete(ctx, sessKey(sessionID)); err != nil {
		m.log.Warn("delete session mirror", zap.String("session_id", sessionID), zap.Error(err))
	}
	if m.onExpired != nil {
		m.onExpired(s)
	}
}

// sweep periodically expires grace sessions whose deadline passed without
// a timer firing, such as after timer churn under load.
func (m *Manager) sweep(ctx context.Context) {
	defer close(m.done)
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range m.lapsed() {
				m.expire(id)
			}
		}
	}
}

func (m *Manager) lapsed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	now := time.Now().UTC()
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.state == StateGrace && now.Sub(s.disconnectedAt) > m.cfg.GraceWindow {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) limiter(sessionID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[sessionID]
	if !ok {
		every := rate.Every(m.cfg.MinReconnectInterval)
		if m.cfg.MinReconnectInterval <= 0 {
			every = rate.Inf
		}
		l = rate.NewLimiter(every, 2)
		m.limiters[sessionID] = l
	}
	return l
}

// record is the coordination-store mirror of a session.
type record struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	ConnID         string            `json:"conn_id,omitempty"`
	State          string            `json:"state"`
	Cursors        map[string]uint64 `json:"cursors,omitempty"`
	DisconnectedAt time.Time         `json:"disconnected_at,omitempty"`
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	s.mu.Lock()
	rec := record{
		ID:             s.ID,
		UserID:         s.UserID,
		ConnID:         s.connID,
		State:          s.state.String(),
		DisconnectedAt: s.disconnectedAt,
	}
	rec.Cursors = make(map[string]uint64, len(s.lastDelivered))
	for ch, seq := range s.lastDelivered {
		rec.Cursors[ch] = seq
	}
	s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		m.log.Error("marshal session record", zap.Error(err))
		return
	}
	if err := m.kv.Set(ctx, sessKey(s.ID), data, m.cfg.RecordTTL); err != nil {
		m.log.Warn("persist session mirror", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func sessKey(id string) string { return fmt.Sprintf("sess:%s", id) }
