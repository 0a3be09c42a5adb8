package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
)

func testConfig(instanceID string) Config {
	return Config{
		InstanceID:      instanceID,
		MaxConnsPerUser: 2,
		MaxConnsGlobal:  100,
		RecordTTL:       time.Minute,
		CacheTTL:        10 * time.Millisecond,
		CacheSize:       128,
	}
}

func newTestRegistry(t *testing.T, kv coordination.KV, instanceID string) *Registry {
	t.Helper()
	return New(kv, testConfig(instanceID), zaptest.NewLogger(t), nil)
}

func TestRegisterAndLimits(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	reg := newTestRegistry(t, kv, "node-1")
	ctx := context.Background()

	t.Run("PerUserLimit", func(t *testing.T) {
		require.NoError(t, reg.Register(ctx, "c1", "alice", "s1"))
		require.NoError(t, reg.Register(ctx, "c2", "alice", "s2"))

		err := reg.Register(ctx, "c3", "alice", "s3")
		require.ErrorIs(t, err, ErrLimitExceeded)

		// registry still shows exactly the two live connections
		conns, err := reg.UserConnections(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c1", "c2"}, conns)
		assert.Equal(t, 2, reg.LocalCount())
	})

	t.Run("LimitFreedByUnregister", func(t *testing.T) {
		require.NoError(t, reg.Unregister(ctx, "c1"))
		require.NoError(t, reg.Register(ctx, "c3", "alice", "s3"))
	})

	t.Run("RegisterIdempotentPerUser", func(t *testing.T) {
		// re-registering an id already in the user list must not double-count
		conns, err := reg.UserConnections(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, conns, 2)
	})
}

func TestGlobalLimit(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	cfg := testConfig("node-1")
	cfg.MaxConnsPerUser = 100
	cfg.MaxConnsGlobal = 3
	reg := New(kv, cfg, zaptest.NewLogger(t), nil)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "g1", "u1", "s1"))
	require.NoError(t, reg.Register(ctx, "g2", "u2", "s2"))
	require.NoError(t, reg.Register(ctx, "g3", "u3", "s3"))

	err := reg.Register(ctx, "g4", "u4", "s4")
	require.ErrorIs(t, err, ErrLimitExceeded)

	// the rejected attempt must not leak a slot
	require.NoError(t, reg.Unregister(ctx, "g3"))
	require.NoError(t, reg.Register(ctx, "g4", "u4", "s4"))
}

func TestUnregisterIdempotent(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	reg := newTestRegistry(t, kv, "node-1")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "c1", "bob", "s1"))
	require.NoError(t, reg.Unregister(ctx, "c1"))
	require.NoError(t, reg.Unregister(ctx, "c1"))
	require.NoError(t, reg.Unregister(ctx, "never-existed"))
}

func TestSubscriptions(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	reg := newTestRegistry(t, kv, "node-1")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "c1", "carol", "s1"))
	require.NoError(t, reg.Subscribe(ctx, "c1", "quotes"))
	require.NoError(t, reg.Subscribe(ctx, "c1", "orders"))
	// duplicate subscribe is a no-op
	require.NoError(t, reg.Subscribe(ctx, "c1", "quotes"))

	assert.ElementsMatch(t, []string{"c1"}, reg.LocalSubscribers("quotes"))

	instances, err := reg.LookupInstances(ctx, "quotes")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, instances)

	rec, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"quotes", "orders"}, rec.Subscriptions)

	require.NoError(t, reg.Unsubscribe(ctx, "c1", "quotes"))
	assert.Empty(t, reg.LocalSubscribers("quotes"))

	instances, err = reg.LookupInstances(ctx, "quotes")
	require.NoError(t, err)
	assert.Empty(t, instances)

	// unsubscribing an unknown channel is a no-op
	require.NoError(t, reg.Unsubscribe(ctx, "c1", "nope"))
}

func TestUnregisterDropsChannelInterest(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	reg := newTestRegistry(t, kv, "node-1")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "c1", "dave", "s1"))
	require.NoError(t, reg.Subscribe(ctx, "c1", "quotes"))
	require.NoError(t, reg.Unregister(ctx, "c1"))

	time.Sleep(15 * time.Millisecond) // let the lookup cache expire
	instances, err := reg.LookupInstances(ctx, "quotes")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestCrossInstanceVisibility(t *testing.T) {
	kv := coordination.NewMemoryStore("shared")
	regA := newTestRegistry(t, kv, "node-a")
	regB := newTestRegistry(t, kv, "node-b")
	ctx := context.Background()

	require.NoError(t, regA.Register(ctx, "c1", "erin", "s1"))
	require.NoError(t, regA.Subscribe(ctx, "c1", "quotes"))
	require.NoError(t, regB.Register(ctx, "c2", "erin", "s2"))
	require.NoError(t, regB.Subscribe(ctx, "c2", "quotes"))

	t.Run("Locate", func(t *testing.T) {
		owner, err := regB.Locate(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "node-a", owner)

		owner, err = regB.Locate(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, "node-b", owner)

		_, err = regB.Locate(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LookupInstances", func(t *testing.T) {
		instances, err := regA.LookupInstances(ctx, "quotes")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"node-a", "node-b"}, instances)
	})

	t.Run("ForceUnregisterRemoteConnection", func(t *testing.T) {
		// session dedup removes the stale record from whichever instance
		// resolves the conflict
		require.NoError(t, regB.Unregister(ctx, "c1"))

		_, err := regB.Get(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)

		conns, err := regB.UserConnections(ctx, "erin")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c2"}, conns)
	})
}

func TestHeartbeatAndFlush(t *testing.T) {
	kv := coordination.NewMemoryStore("node-1")
	reg := newTestRegistry(t, kv, "node-1")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "c1", "frank", "s1"))
	rec, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	before := rec.LastSeenAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.Heartbeat(ctx, "c1"))

	rec, err = reg.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rec.LastSeenAt.After(before))

	require.NoError(t, reg.Register(ctx, "c2", "frank", "s2"))
	require.NoError(t, reg.FlushLocal(ctx))
	assert.Equal(t, 0, reg.LocalCount())

	conns, err := reg.UserConnections(ctx, "frank")
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestRegistryAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := coordination.NewRedisStore(context.Background(), coordination.RedisConfig{
		Address:   mr.Addr(),
		KeyPrefix: "axion",
		OpTimeout: time.Second,
	}, "node-1", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	reg := newTestRegistry(t, store, "node-1")
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, "c1", "gina", "s1"))
	require.NoError(t, reg.Subscribe(ctx, "c1", "quotes"))

	owner, err := reg.Locate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", owner)

	instances, err := reg.LookupInstances(ctx, "quotes")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, instances)

	require.NoError(t, reg.Register(ctx, "c2", "gina", "s2"))
	err = reg.Register(ctx, "c3", "gina", "s3")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}
