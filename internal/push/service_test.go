package push

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghantakiran/axion-stock-sub002/internal/backpressure"
	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
	"github.com/ghantakiran/axion-stock-sub002/internal/registry"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
	"github.com/ghantakiran/axion-stock-sub002/internal/session"
	"github.com/ghantakiran/axion-stock-sub002/internal/transport"
)

// anyFrame decodes both control and data frames for assertions.
type anyFrame struct {
	Type      string          `json:"type"`
	Op        string          `json:"op"`
	Channel   string          `json:"channel"`
	Sequence  uint64          `json:"sequence"`
	SessionID string          `json:"session_id"`
	ConnID    string          `json:"conn_id"`
	Resumed   bool            `json:"resumed"`
	Error     string          `json:"error"`
	Priority  string          `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	Count     uint64          `json:"count"`
	FromSeq   uint64          `json:"from_seq"`
	ToSeq     uint64          `json:"to_seq"`
}

type svcOpts struct {
	instanceID      string
	maxConnsPerUser int
	graceWindow     time.Duration
	reconnectFloor  time.Duration
}

func newTestService(t *testing.T, store *coordination.MemoryStore, opts svcOpts) *Service {
	t.Helper()
	if opts.instanceID == "" {
		opts.instanceID = "inst-1"
	}
	if opts.maxConnsPerUser == 0 {
		opts.maxConnsPerUser = 8
	}
	if opts.graceWindow == 0 {
		opts.graceWindow = time.Minute
	}
	log := zaptest.NewLogger(t)

	reg := registry.New(store, registry.Config{
		InstanceID:      opts.instanceID,
		MaxConnsPerUser: opts.maxConnsPerUser,
		MaxConnsGlobal:  1000,
		RecordTTL:       time.Minute,
		CacheTTL:        10 * time.Millisecond,
		CacheSize:       128,
	}, log, registry.NewMetrics(nil))

	rt := router.New(store, store, router.Config{
		InstanceID:         opts.instanceID,
		Dispatchers:        2,
		ReplayDepth:        64,
		PublishRetryWindow: 200 * time.Millisecond,
	}, log, router.NewMetrics(nil))

	sm := session.NewManager(session.Config{
		GraceWindow:          opts.graceWindow,
		MinReconnectInterval: opts.reconnectFloor,
		SweepInterval:        time.Minute,
	}, store, rt, nil, log, session.NewMetrics(nil))

	svc := New(Config{
		InstanceID: opts.instanceID,
		Queue: backpressure.Config{
			Capacity:        64,
			Strategy:        backpressure.EvictOldestFirst,
			HighWater:       48,
			LowWater:        8,
			HighWaterGrace:  time.Second,
			MaxSendAttempts: 3,
			SendRetryDelay:  time.Millisecond,
		},
		OpTimeout: 2 * time.Second,
	}, reg, sm, rt, log, NewMetrics(nil), backpressure.NewMetrics(nil))

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func readFrame(t *testing.T, conn transport.Conn) anyFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Receive(ctx)
	require.NoError(t, err, "waiting for frame")
	var f anyFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil skips frames until pred matches, failing on timeout.
func readUntil(t *testing.T, conn transport.Conn, pred func(anyFrame) bool) anyFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if pred(f) {
			return f
		}
	}
	t.Fatal("expected frame never arrived")
	return anyFrame{}
}

func sendCmd(t *testing.T, conn transport.Conn, cmd command) {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Send(ctx, data))
}

func subscribe(t *testing.T, conn transport.Conn, channel string) {
	t.Helper()
	sendCmd(t, conn, command{Op: "subscribe", Channel: channel})
	ack := readUntil(t, conn, func(f anyFrame) bool { return f.Op == "subscribe" })
	require.Equal(t, "ack", ack.Type)
}

func TestConnectSubscribePublishDeliver(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})

	server, clientC := transport.Pipe()
	_, err := svc.Connect(context.Background(), server, "u1")
	require.NoError(t, err)

	hello := readFrame(t, clientC)
	assert.Equal(t, "hello", hello.Type)
	assert.NotEmpty(t, hello.SessionID)
	assert.NotEmpty(t, hello.ConnID)
	assert.False(t, hello.Resumed)

	subscribe(t, clientC, "orders")

	sendCmd(t, clientC, command{Op: "publish", Channel: "orders", Payload: json.RawMessage(`{"n":1}`)})
	pubAck := readUntil(t, clientC, func(f anyFrame) bool { return f.Op == "publish" })
	assert.Equal(t, "ack", pubAck.Type)
	assert.Equal(t, uint64(1), pubAck.Sequence)

	msg := readUntil(t, clientC, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, "orders", msg.Channel)
	assert.Equal(t, uint64(1), msg.Sequence)
	assert.JSONEq(t, `{"n":1}`, string(msg.Payload))
}

func TestSubscriberDoesNotSeePriorPublishes(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	serverP, clientP := transport.Pipe()
	_, err := svc.Connect(ctx, serverP, "publisher")
	require.NoError(t, err)
	readFrame(t, clientP) // hello

	// published before anyone subscribes
	sendCmd(t, clientP, command{Op: "publish", Channel: "ticks", Payload: json.RawMessage(`{"n":1}`)})
	readUntil(t, clientP, func(f anyFrame) bool { return f.Op == "publish" })

	serverS, clientS := transport.Pipe()
	_, err = svc.Connect(ctx, serverS, "subscriber")
	require.NoError(t, err)
	readFrame(t, clientS) // hello
	subscribe(t, clientS, "ticks")

	sendCmd(t, clientP, command{Op: "publish", Channel: "ticks", Payload: json.RawMessage(`{"n":2}`)})
	readUntil(t, clientP, func(f anyFrame) bool { return f.Op == "publish" })

	msg := readUntil(t, clientS, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, uint64(2), msg.Sequence, "only messages published after the subscription may arrive")
	assert.JSONEq(t, `{"n":2}`, string(msg.Payload))
}

func TestUnicastReachesSingleConnection(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	serverA, clientA := transport.Pipe()
	connA, err := svc.Connect(ctx, serverA, "u1")
	require.NoError(t, err)
	readFrame(t, clientA)

	serverB, clientB := transport.Pipe()
	_, err = svc.Connect(ctx, serverB, "u2")
	require.NoError(t, err)
	readFrame(t, clientB)

	_, err = svc.rt.PublishUnicast(ctx, connA, []byte(`{"direct":true}`), router.PriorityNormal)
	require.NoError(t, err)

	msg := readUntil(t, clientA, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, router.UnicastChannel(connA), msg.Channel)

	// the other connection must see nothing
	ctxB, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = clientB.Receive(ctxB)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCrossInstanceDelivery(t *testing.T) {
	store := coordination.NewMemoryStore("shared")
	svc1 := newTestService(t, store, svcOpts{instanceID: "inst-1"})
	svc2 := newTestService(t, store, svcOpts{instanceID: "inst-2"})
	ctx := context.Background()

	serverA, clientA := transport.Pipe()
	_, err := svc1.Connect(ctx, serverA, "u1")
	require.NoError(t, err)
	readFrame(t, clientA)
	subscribe(t, clientA, "orders")

	serverB, clientB := transport.Pipe()
	_, err = svc2.Connect(ctx, serverB, "u2")
	require.NoError(t, err)
	readFrame(t, clientB)

	sendCmd(t, clientB, command{Op: "publish", Channel: "orders", Payload: json.RawMessage(`{"from":"inst-2"}`)})
	readUntil(t, clientB, func(f anyFrame) bool { return f.Op == "publish" })

	msg := readUntil(t, clientA, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, "orders", msg.Channel)
	assert.JSONEq(t, `{"from":"inst-2"}`, string(msg.Payload))
}

func TestResumeReplaysMissedMessages(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	hello := readFrame(t, clientC)
	sessionID := hello.SessionID
	subscribe(t, clientC, "orders")

	for i := 1; i <= 10; i++ {
		_, err := svc.rt.Publish(ctx, "orders", []byte(fmt.Sprintf(`{"n":%d}`, i)), router.PriorityNormal)
		require.NoError(t, err)
	}
	for i := 1; i <= 10; i++ {
		msg := readUntil(t, clientC, func(f anyFrame) bool { return f.Type == "message" })
		assert.Equal(t, uint64(i), msg.Sequence)
	}

	clientC.Close()
	require.Eventually(t, func() bool { return svc.ActiveConnections() == 0 },
		2*time.Second, 5*time.Millisecond, "server should notice the drop")

	// published while the client is away
	_, err = svc.rt.Publish(ctx, "orders", []byte(`{"n":11}`), router.PriorityNormal)
	require.NoError(t, err)
	_, err = svc.rt.Publish(ctx, "orders", []byte(`{"n":12}`), router.PriorityNormal)
	require.NoError(t, err)

	server2, client2 := transport.Pipe()
	_, err = svc.Resume(ctx, server2, sessionID)
	require.NoError(t, err)

	hello2 := readFrame(t, client2)
	assert.Equal(t, "hello", hello2.Type)
	assert.True(t, hello2.Resumed)
	assert.Equal(t, sessionID, hello2.SessionID)

	// exactly 11 and 12, in order, nothing duplicated
	first := readUntil(t, client2, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, uint64(11), first.Sequence)
	second := readUntil(t, client2, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, uint64(12), second.Sequence)

	// live delivery continues past the replay
	_, err = svc.rt.Publish(ctx, "orders", []byte(`{"n":13}`), router.PriorityNormal)
	require.NoError(t, err)
	third := readUntil(t, client2, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, uint64(13), third.Sequence)
}

func TestResumeExpiredSessionRefused(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{graceWindow: 20 * time.Millisecond})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	hello := readFrame(t, clientC)

	clientC.Close()
	require.Eventually(t, func() bool { return svc.sessions.Count() == 0 },
		2*time.Second, 5*time.Millisecond, "grace window should lapse")

	server2, client2 := transport.Pipe()
	_, err = svc.Resume(ctx, server2, hello.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionExpired)

	errFrame := readFrame(t, client2)
	assert.Equal(t, "error", errFrame.Type)
	assert.Equal(t, "session_expired", errFrame.Error)
}

func TestDuplicateResumeDisplacesOldConnection(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	server, clientOld := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	hello := readFrame(t, clientOld)

	server2, client2 := transport.Pipe()
	_, err = svc.Resume(ctx, server2, hello.SessionID)
	require.NoError(t, err)
	hello2 := readFrame(t, client2)
	assert.True(t, hello2.Resumed)

	// exactly one live connection remains, and it is the new one
	require.Eventually(t, func() bool { return svc.ActiveConnections() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		ctxOld, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := clientOld.Receive(ctxOld)
		return err == transport.ErrClosed
	}, 2*time.Second, 10*time.Millisecond, "displaced connection should be closed")

	subscribe(t, client2, "orders")
}

func TestResumeRateLimited(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{reconnectFloor: time.Hour})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	hello := readFrame(t, clientC)

	var lastErr error
	for i := 0; i < 4; i++ {
		s, c := transport.Pipe()
		_, lastErr = svc.Resume(ctx, s, hello.SessionID)
		if lastErr != nil {
			f := readFrame(t, c)
			assert.Equal(t, "too_many_attempts", f.Error)
			break
		}
		readFrame(t, c) // hello
	}
	assert.ErrorIs(t, lastErr, session.ErrTooManyAttempts)
}

func TestConnectRefusedOverPerUserLimit(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{maxConnsPerUser: 1})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	readFrame(t, clientC)

	server2, client2 := transport.Pipe()
	_, err = svc.Connect(ctx, server2, "u1")
	assert.ErrorIs(t, err, registry.ErrLimitExceeded)

	f := readFrame(t, client2)
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, "limit_exceeded", f.Error)
}

func TestLogoutEndsSessionWithoutGrace(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	hello := readFrame(t, clientC)

	sendCmd(t, clientC, command{Op: "logout"})
	readUntil(t, clientC, func(f anyFrame) bool { return f.Op == "logout" })

	require.Eventually(t, func() bool { return svc.ActiveConnections() == 0 },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, svc.sessions.Count(), "session must not linger in grace")

	server2, client2 := transport.Pipe()
	_, err = svc.Resume(ctx, server2, hello.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionExpired)
	f := readFrame(t, client2)
	assert.Equal(t, "session_expired", f.Error)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})
	ctx := context.Background()

	server, clientC := transport.Pipe()
	_, err := svc.Connect(ctx, server, "u1")
	require.NoError(t, err)
	readFrame(t, clientC)
	subscribe(t, clientC, "orders")

	sendCmd(t, clientC, command{Op: "unsubscribe", Channel: "orders"})
	readUntil(t, clientC, func(f anyFrame) bool { return f.Op == "unsubscribe" })

	_, err = svc.rt.Publish(ctx, "orders", []byte(`{"n":1}`), router.PriorityNormal)
	require.NoError(t, err)

	ctxR, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = clientC.Receive(ctxR)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The broadcast medium delivers at least once, and the post-resume ring
// sweep can offer a sequence the live path already dispatched. The gate
// must admit each sequence exactly once.
func TestRedeliveredSequenceEnqueuedOnce(t *testing.T) {
	store := coordination.NewMemoryStore("inst-1")
	svc := newTestService(t, store, svcOpts{})

	server, clientC := transport.Pipe()
	connID, err := svc.Connect(context.Background(), server, "u1")
	require.NoError(t, err)
	readFrame(t, clientC) // hello
	subscribe(t, clientC, "orders")

	c := svc.lookup(connID)
	require.NotNil(t, c)

	msg := &router.Message{
		Channel:     "orders",
		Sequence:    1,
		Priority:    router.PriorityNormal,
		Payload:     []byte(`{"n":1}`),
		PublishedAt: time.Now(),
	}
	assert.True(t, c.accept(msg))
	assert.False(t, c.accept(msg), "same sequence offered twice must be rejected")

	first := readUntil(t, clientC, func(f anyFrame) bool { return f.Type == "message" })
	assert.Equal(t, uint64(1), first.Sequence)

	// nothing else may reach the wire
	ctxR, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = clientC.Receive(ctxR)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
