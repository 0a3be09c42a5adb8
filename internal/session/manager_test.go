package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
)

// fakeReplayer holds a bounded backlog per channel and mirrors the real
// replay contract: messages after the cursor, plus a gap notice when the
// backlog no longer reaches back that far.
type fakeReplayer struct {
	mu      sync.Mutex
	backlog map[string][]*router.Message
	current map[string]uint64
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{
		backlog: make(map[string][]*router.Message),
		current: make(map[string]uint64),
	}
}

func (f *fakeReplayer) publish(channel string, seqs ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seq := range seqs {
		f.backlog[channel] = append(f.backlog[channel], &router.Message{
			Channel: channel, Sequence: seq, Priority: router.PriorityNormal, Payload: []byte(`{}`),
		})
		f.current[channel] = seq
	}
}

// trim discards backlog entries at or below seq, as a full ring would.
func (f *fakeReplayer) trim(channel string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*router.Message
	for _, m := range f.backlog[channel] {
		if m.Sequence > seq {
			kept = append(kept, m)
		}
	}
	f.backlog[channel] = kept
}

func (f *fakeReplayer) Replay(channel string, since uint64) ([]*router.Message, *router.DroppedNotice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []*router.Message
	var oldest uint64
	for _, m := range f.backlog[channel] {
		if oldest == 0 || m.Sequence < oldest {
			oldest = m.Sequence
		}
		if m.Sequence > since {
			msgs = append(msgs, m)
		}
	}
	if oldest > since+1 && len(msgs) > 0 {
		return msgs, &router.DroppedNotice{
			Channel: channel,
			Count:   oldest - since - 1,
			FromSeq: since + 1,
			ToSeq:   oldest - 1,
		}
	}
	return msgs, nil
}

func (f *fakeReplayer) CurrentSequence(_ context.Context, channel string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[channel], nil
}

func newTestManager(t *testing.T, cfg Config, rp Replayer, onExpired func(*Session)) *Manager {
	t.Helper()
	if rp == nil {
		rp = newFakeReplayer()
	}
	kv := coordination.NewMemoryStore("test-instance")
	m := NewManager(cfg, kv, rp, onExpired, zaptest.NewLogger(t), NewMetrics(nil))
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func baseConfig() Config {
	return Config{
		GraceWindow:          time.Minute,
		MinReconnectInterval: 0,
		SweepInterval:        time.Minute,
	}
}

func TestTrackPinsCursor(t *testing.T) {
	m := newTestManager(t, baseConfig(), nil, nil)
	s := m.Create(context.Background(), "u1", "c1")

	s.Track("orders", 5)
	assert.Equal(t, uint64(5), s.LastDelivered("orders"))

	s.MarkDelivered("orders", 3)
	assert.Equal(t, uint64(5), s.LastDelivered("orders"), "cursor never moves backwards")

	s.MarkDelivered("orders", 7)
	assert.Equal(t, uint64(7), s.LastDelivered("orders"))

	// re-tracking an existing channel must not reset the cursor
	s.Track("orders", 0)
	assert.Equal(t, uint64(7), s.LastDelivered("orders"))
}

func TestGraceWindowExpiry(t *testing.T) {
	cfg := baseConfig()
	cfg.GraceWindow = 20 * time.Millisecond
	expired := make(chan *Session, 1)
	m := newTestManager(t, cfg, nil, func(s *Session) { expired <- s })

	ctx := context.Background()
	s := m.Create(ctx, "u1", "c1")
	m.OnDisconnect(ctx, s.ID, s.ConnID())
	assert.Equal(t, StateGrace, s.State())
	assert.Empty(t, s.ConnID())

	select {
	case got := <-expired:
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, StateExpired, got.State())
	case <-time.After(2 * time.Second):
		t.Fatal("session never expired")
	}

	_, _, err := m.OnReconnect(ctx, s.ID, "c2")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, m.Count())
}

func TestReconnectWithinGraceCancelsExpiry(t *testing.T) {
	cfg := baseConfig()
	cfg.GraceWindow = 30 * time.Millisecond
	expired := make(chan *Session, 1)
	m := newTestManager(t, cfg, nil, func(s *Session) { expired <- s })

	ctx := context.Background()
	s := m.Create(ctx, "u1", "c1")
	m.OnDisconnect(ctx, s.ID, s.ConnID())

	got, displaced, err := m.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Empty(t, displaced)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "c2", s.ConnID())

	select {
	case <-expired:
		t.Fatal("expiry fired after a successful reconnect")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDuplicateReconnectDisplacesOldConnection(t *testing.T) {
	m := newTestManager(t, baseConfig(), nil, nil)
	ctx := context.Background()
	s := m.Create(ctx, "u1", "c1")

	got, displaced, err := m.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, "c1", displaced)
	assert.Equal(t, "c2", s.ConnID())
}

func TestReconnectRateLimited(t *testing.T) {
	cfg := baseConfig()
	cfg.MinReconnectInterval = time.Hour
	m := newTestManager(t, cfg, nil, nil)
	ctx := context.Background()
	s := m.Create(ctx, "u1", "c1")

	// burst of two, then the floor kicks in
	_, _, err := m.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)
	_, _, err = m.OnReconnect(ctx, s.ID, "c3")
	require.NoError(t, err)
	_, _, err = m.OnReconnect(ctx, s.ID, "c4")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestReplayDeliversMissedInOrder(t *testing.T) {
	rp := newFakeReplayer()
	m := newTestManager(t, baseConfig(), rp, nil)
	ctx := context.Background()

	s := m.Create(ctx, "u1", "c1")
	s.Track("orders", 0)
	rp.publish("orders", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	s.MarkDelivered("orders", 10)

	m.OnDisconnect(ctx, s.ID, s.ConnID())
	rp.publish("orders", 11, 12)

	_, _, err := m.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)

	var replayed []uint64
	gates := m.Replay(ctx, s, func(msg *router.Message) {
		replayed = append(replayed, msg.Sequence)
	}, func(*router.DroppedNotice) {
		t.Fatal("no gap expected while the backlog covers the cursor")
	})

	assert.Equal(t, []uint64{11, 12}, replayed)
	assert.Equal(t, uint64(12), gates["orders"])
	assert.Equal(t, uint64(12), s.LastDelivered("orders"))
}

func TestReplayReportsGapBeyondBacklog(t *testing.T) {
	rp := newFakeReplayer()
	m := newTestManager(t, baseConfig(), rp, nil)
	ctx := context.Background()

	s := m.Create(ctx, "u1", "c1")
	s.Track("orders", 0)
	rp.publish("orders", 1, 2)
	s.MarkDelivered("orders", 2)

	m.OnDisconnect(ctx, s.ID, s.ConnID())
	rp.publish("orders", 3, 4, 5, 6, 7, 8)
	rp.trim("orders", 5) // backlog now starts at 6

	_, _, err := m.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)

	var replayed []uint64
	var gaps []*router.DroppedNotice
	gates := m.Replay(ctx, s,
		func(msg *router.Message) { replayed = append(replayed, msg.Sequence) },
		func(n *router.DroppedNotice) { gaps = append(gaps, n) })

	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(3), gaps[0].FromSeq)
	assert.Equal(t, uint64(5), gaps[0].ToSeq)
	assert.Equal(t, uint64(3), gaps[0].Count)
	assert.Equal(t, []uint64{6, 7, 8}, replayed)
	assert.Equal(t, uint64(8), gates["orders"])

	// nothing is both replayed and reported dropped
	for _, seq := range replayed {
		assert.False(t, seq >= gaps[0].FromSeq && seq <= gaps[0].ToSeq)
	}
}

func TestReplayWholeBacklogGone(t *testing.T) {
	rp := newFakeReplayer()
	m := newTestManager(t, baseConfig(), rp, nil)
	ctx := context.Background()

	s := m.Create(ctx, "u1", "c1")
	s.Track("ticks", 0)
	rp.publish("ticks", 1, 2, 3, 4, 5)
	s.MarkDelivered("ticks", 2)
	rp.trim("ticks", 5)

	var gaps []*router.DroppedNotice
	gates := m.Replay(ctx, s,
		func(*router.Message) { t.Fatal("nothing should replay") },
		func(n *router.DroppedNotice) { gaps = append(gaps, n) })

	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(3), gaps[0].FromSeq)
	assert.Equal(t, uint64(5), gaps[0].ToSeq)
	assert.Equal(t, uint64(3), gaps[0].Count)
	assert.Equal(t, uint64(5), gates["ticks"])
}

func TestSweeperCatchesLostTimer(t *testing.T) {
	cfg := baseConfig()
	cfg.GraceWindow = 10 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	expired := make(chan *Session, 1)
	m := newTestManager(t, cfg, nil, func(s *Session) { expired <- s })

	ctx := context.Background()
	s := m.Create(ctx, "u1", "c1")
	m.OnDisconnect(ctx, s.ID, s.ConnID())

	// simulate a lost timer; the sweeper must still expire the session
	m.mu.Lock()
	m.timers[s.ID].Stop()
	delete(m.timers, s.ID)
	m.mu.Unlock()

	select {
	case got := <-expired:
		assert.Equal(t, s.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never expired the session")
	}
}

func newManagerOnStore(t *testing.T, cfg Config, kv coordination.KV) *Manager {
	t.Helper()
	m := NewManager(cfg, kv, newFakeReplayer(), nil, zaptest.NewLogger(t), NewMetrics(nil))
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestReconnectAdoptsSessionFromMirror(t *testing.T) {
	kv := coordination.NewMemoryStore("shared")
	ctx := context.Background()
	m1 := newManagerOnStore(t, baseConfig(), kv)
	m2 := newManagerOnStore(t, baseConfig(), kv)

	s := m1.Create(ctx, "u1", "c1")
	s.Track("orders", 3)
	s.MarkDelivered("orders", 7)
	m1.OnDisconnect(ctx, s.ID, s.ConnID())

	// the reconnect lands on a different instance; only the mirror knows
	// the session
	got, displaced, err := m2.OnReconnect(ctx, s.ID, "c2")
	require.NoError(t, err)
	assert.Empty(t, displaced)
	assert.Equal(t, StateActive, got.State())
	assert.Equal(t, "c2", got.ConnID())
	assert.Equal(t, uint64(7), got.LastDelivered("orders"))
	assert.ElementsMatch(t, []string{"orders"}, got.Channels())
	assert.Equal(t, 1, m2.Count())
}

func TestAdoptRefusesLapsedMirror(t *testing.T) {
	kv := coordination.NewMemoryStore("shared")
	ctx := context.Background()
	cfg := baseConfig()
	cfg.GraceWindow = 20 * time.Millisecond

	m1 := newManagerOnStore(t, cfg, kv)
	s := m1.Create(ctx, "u1", "c1")
	m1.OnDisconnect(ctx, s.ID, s.ConnID())
	m1.Stop() // instance goes away before its grace timer fires

	time.Sleep(50 * time.Millisecond)

	m2 := newManagerOnStore(t, cfg, kv)
	_, _, err := m2.OnReconnect(ctx, s.ID, "c2")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, m2.Count())
}
