// Package registry implements the process-spanning connection directory. A
// record for every live connection is mirrored into the coordination store so
// any instance can answer "who owns this connection" and "which instances
// care about this channel"; the instance holding the socket keeps the only
// writable in-memory copy.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
)

var (
	// ErrLimitExceeded is the normal, expected rejection when a per-user or
	// global connection cap is reached.
	ErrLimitExceeded = errors.New("connection limit exceeded")

	// ErrNotFound indicates no live record exists for the connection.
	ErrNotFound = errors.New("connection not found")
)

// casAttempts bounds optimistic-concurrency retries against the store.
const casAttempts = 8

// ConnectionRecord describes one live connection. Owned by the instance
// holding the socket; read-mostly everywhere else.
type ConnectionRecord struct {
	ConnectionID  string    `json:"connection_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	InstanceID    string    `json:"instance_id"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

func (r *ConnectionRecord) subscribed(channel string) bool {
	for _, c := range r.Subscriptions {
		if c == channel {
			return true
		}
	}
	return false
}

// Config holds registry limits and cache behavior.
type Config struct {
	InstanceID      string
	MaxConnsPerUser int
	MaxConnsGlobal  int
	RecordTTL       time.Duration
	CacheTTL        time.Duration
	CacheSize       int
}

// Registry is the connection directory for one instance.
type Registry struct {
	kv     coordination.KV
	cfg    Config
	logger *zap.Logger

	mu    sync.RWMutex
	local map[string]*ConnectionRecord // locally-owned live connections
	// channel -> set of locally-owned subscriber connection ids
	localSubs map[string]map[string]struct{}

	// read-through cache for cross-instance lookups; staleness bounded by
	// CacheTTL, tolerated per the fan-out contract (wasted delivery, never
	// missed delivery)
	instanceCache *lru.LRU[string, []string]
	locateCache   *lru.LRU[string, string]

	metrics *Metrics
}

// New creates a registry backed by the given KV store.
func New(kv coordination.KV, cfg Config, logger *zap.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		kv:            kv,
		cfg:           cfg,
		logger:        logger,
		local:         make(map[string]*ConnectionRecord),
		localSubs:     make(map[string]map[string]struct{}),
		instanceCache: lru.NewLRU[string, []string](cfg.CacheSize, nil, cfg.CacheTTL),
		locateCache:   lru.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		metrics:       metrics,
	}
}

func connKey(id string) string { return "conn:" + id }

func userKey(uid string) string { return "user:" + uid }

func chanKey(name string) string { return "chan:" + name }

func globalCountKey() string { return "conns:total" }

// Register creates a live record for the connection, enforcing the per-user
// and global caps. ErrLimitExceeded is a normal outcome, not a fault.
func (r *Registry) Register(ctx context.Context, connID, userID, sessionID string) error {
	// global cap first: a plain atomic increment, rolled back on rejection
	total, err := r.kv.Incr(ctx, globalCountKey(), 1)
	if err != nil {
		return fmt.Errorf("register %s: %w", connID, err)
	}
	if r.cfg.MaxConnsGlobal > 0 && total > int64(r.cfg.MaxConnsGlobal) {
		r.kv.Incr(ctx, globalCountKey(), -1)
		r.metrics.Rejections.WithLabelValues("global_limit").Inc()
		return fmt.Errorf("global connections at %d: %w", total-1, ErrLimitExceeded)
	}

	// per-user membership via CAS loop on the user's connection list
	if err := r.addUserConn(ctx, userID, connID); err != nil {
		r.kv.Incr(ctx, globalCountKey(), -1)
		return err
	}

	now := time.Now()
	rec := &ConnectionRecord{
		ConnectionID: connID,
		UserID:       userID,
		SessionID:    sessionID,
		InstanceID:   r.cfg.InstanceID,
		ConnectedAt:  now,
		LastSeenAt:   now,
	}
	if err := r.writeRecord(ctx, rec); err != nil {
		r.removeUserConn(ctx, userID, connID)
		r.kv.Incr(ctx, globalCountKey(), -1)
		return err
	}

	r.mu.Lock()
	r.local[connID] = rec
	r.mu.Unlock()

	r.metrics.Registrations.Inc()
	r.metrics.LocalConnections.Inc()
	r.logger.Debug("connection registered",
		zap.String("connection_id", connID),
		zap.String("user_id", userID))
	return nil
}

// Unregister removes the record. Idempotent; a no-op when already absent.
func (r *Registry) Unregister(ctx context.Context, connID string) error {
	r.mu.Lock()
	rec, local := r.local[connID]
	if local {
		delete(r.local, connID)
		for _, channel := range rec.Subscriptions {
			if subs, ok := r.localSubs[channel]; ok {
				delete(subs, connID)
				if len(subs) == 0 {
					delete(r.localSubs, channel)
				}
			}
		}
	}
	r.mu.Unlock()

	if !local {
		// possibly a cross-instance force-unregister: fall back to the store
		data, err := r.kv.Get(ctx, connKey(connID))
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		rec = &ConnectionRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("corrupt record for %s: %w", connID, err)
		}
	}

	for _, channel := range rec.Subscriptions {
		r.dropChannelInterest(ctx, channel, rec.InstanceID)
	}
	r.removeUserConn(ctx, rec.UserID, connID)
	if err := r.kv.Delete(ctx, connKey(connID)); err != nil {
		return err
	}
	r.kv.Incr(ctx, globalCountKey(), -1)

	if local {
		r.metrics.LocalConnections.Dec()
	}
	r.locateCache.Remove(connID)
	r.logger.Debug("connection unregistered", zap.String("connection_id", connID))
	return nil
}

// Subscribe adds the connection to a channel. The shared record and the
// channel interest map are updated before returning, so an in-flight publish
// observing the old state is the only staleness window.
func (r *Registry) Subscribe(ctx context.Context, connID, channel string) error {
	r.mu.Lock()
	rec, ok := r.local[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s to %q: %w", connID, channel, ErrNotFound)
	}
	if rec.subscribed(channel) {
		r.mu.Unlock()
		return nil
	}
	rec.Subscriptions = append(rec.Subscriptions, channel)
	sort.Strings(rec.Subscriptions)
	if r.localSubs[channel] == nil {
		r.localSubs[channel] = make(map[string]struct{})
	}
	r.localSubs[channel][connID] = struct{}{}
	snapshot := *rec
	r.mu.Unlock()

	if err := r.addChannelInterest(ctx, channel, r.cfg.InstanceID); err != nil {
		return err
	}
	return r.writeRecord(ctx, &snapshot)
}

// Unsubscribe removes the connection from a channel. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, connID, channel string) error {
	r.mu.Lock()
	rec, ok := r.local[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if !rec.subscribed(channel) {
		r.mu.Unlock()
		return nil
	}
	subs := rec.Subscriptions[:0]
	for _, c := range rec.Subscriptions {
		if c != channel {
			subs = append(subs, c)
		}
	}
	rec.Subscriptions = subs
	if set, ok := r.localSubs[channel]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.localSubs, channel)
		}
	}
	snapshot := *rec
	r.mu.Unlock()

	if err := r.dropChannelInterest(ctx, channel, r.cfg.InstanceID); err != nil {
		return err
	}
	return r.writeRecord(ctx, &snapshot)
}

// LookupInstances returns the instances that currently hold connections
// subscribed to channel. Served from a short-TTL cache; staleness costs at
// most one wasted fan-out cycle.
func (r *Registry) LookupInstances(ctx context.Context, channel string) ([]string, error) {
	if cached, ok := r.instanceCache.Get(channel); ok {
		r.metrics.CacheHits.Inc()
		return cached, nil
	}
	r.metrics.CacheMisses.Inc()

	data, err := r.kv.Get(ctx, chanKey(channel))
	if err != nil {
		return nil, err
	}
	interest := map[string]int{}
	if data != nil {
		if err := json.Unmarshal(data, &interest); err != nil {
			return nil, fmt.Errorf("corrupt interest map for %q: %w", channel, err)
		}
	}
	instances := make([]string, 0, len(interest))
	for id, n := range interest {
		if n > 0 {
			instances = append(instances, id)
		}
	}
	sort.Strings(instances)
	r.instanceCache.Add(channel, instances)
	return instances, nil
}

// Locate returns the instance owning the connection.
func (r *Registry) Locate(ctx context.Context, connID string) (string, error) {
	r.mu.RLock()
	if _, ok := r.local[connID]; ok {
		r.mu.RUnlock()
		return r.cfg.InstanceID, nil
	}
	r.mu.RUnlock()

	if cached, ok := r.locateCache.Get(connID); ok {
		r.metrics.CacheHits.Inc()
		return cached, nil
	}
	r.metrics.CacheMisses.Inc()

	data, err := r.kv.Get(ctx, connKey(connID))
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("locate %s: %w", connID, ErrNotFound)
	}
	var rec ConnectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("corrupt record for %s: %w", connID, err)
	}
	r.locateCache.Add(connID, rec.InstanceID)
	return rec.InstanceID, nil
}

// Get returns the shared record for a connection, local or remote.
func (r *Registry) Get(ctx context.Context, connID string) (*ConnectionRecord, error) {
	r.mu.RLock()
	if rec, ok := r.local[connID]; ok {
		snapshot := *rec
		r.mu.RUnlock()
		return &snapshot, nil
	}
	r.mu.RUnlock()

	data, err := r.kv.Get(ctx, connKey(connID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("get %s: %w", connID, ErrNotFound)
	}
	var rec ConnectionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record for %s: %w", connID, err)
	}
	return &rec, nil
}

// UserConnections returns the live connection ids recorded for a user.
func (r *Registry) UserConnections(ctx context.Context, userID string) ([]string, error) {
	data, err := r.kv.Get(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var conns []string
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("corrupt user list for %s: %w", userID, err)
	}
	return conns, nil
}

// LocalSubscribers returns the locally-owned connections subscribed to
// channel. This is the dispatcher's hot-path filter.
func (r *Registry) LocalSubscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.localSubs[channel]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsLocal reports whether this instance owns the connection.
func (r *Registry) IsLocal(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.local[connID]
	return ok
}

// LocalCount returns the number of locally-owned connections.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local)
}

// Heartbeat refreshes last_seen_at and the TTLs keeping the shared record
// alive. Live records must always name a reachable instance; a crashed
// instance's records age out through these TTLs.
func (r *Registry) Heartbeat(ctx context.Context, connID string) error {
	r.mu.Lock()
	rec, ok := r.local[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat %s: %w", connID, ErrNotFound)
	}
	rec.LastSeenAt = time.Now()
	snapshot := *rec
	r.mu.Unlock()

	if err := r.writeRecord(ctx, &snapshot); err != nil {
		return err
	}
	return r.kv.Expire(ctx, userKey(snapshot.UserID), r.cfg.RecordTTL)
}

// FlushLocal unregisters every locally-owned connection. Called at instance
// shutdown; records owned by other instances are untouched.
func (r *Registry) FlushLocal(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.local))
	for id := range r.local {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Unregister(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) writeRecord(ctx context.Context, rec *ConnectionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ConnectionID, err)
	}
	return r.kv.Set(ctx, connKey(rec.ConnectionID), data, r.cfg.RecordTTL)
}

// addUserConn appends connID to the user's list, enforcing the per-user cap,
// with a bounded CAS loop for linearizable membership.
func (r *Registry) addUserConn(ctx context.Context, userID, connID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		old, err := r.kv.Get(ctx, userKey(userID))
		if err != nil {
			return err
		}
		var conns []string
		if old != nil {
			if err := json.Unmarshal(old, &conns); err != nil {
				return fmt.Errorf("corrupt user list for %s: %w", userID, err)
			}
		}
		for _, id := range conns {
			if id == connID {
				return nil
			}
		}
		if r.cfg.MaxConnsPerUser > 0 && len(conns) >= r.cfg.MaxConnsPerUser {
			r.metrics.Rejections.WithLabelValues("user_limit").Inc()
			return fmt.Errorf("user %s has %d connections: %w", userID, len(conns), ErrLimitExceeded)
		}
		conns = append(conns, connID)
		data, err := json.Marshal(conns)
		if err != nil {
			return err
		}
		err = r.kv.CompareAndSwap(ctx, userKey(userID), old, data, r.cfg.RecordTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordination.ErrCASMismatch) {
			return err
		}
	}
	return fmt.Errorf("user list for %s: too much contention", userID)
}

func (r *Registry) removeUserConn(ctx context.Context, userID, connID string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		old, err := r.kv.Get(ctx, userKey(userID))
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}
		var conns []string
		if err := json.Unmarshal(old, &conns); err != nil {
			return fmt.Errorf("corrupt user list for %s: %w", userID, err)
		}
		filtered := conns[:0]
		for _, id := range conns {
			if id != connID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == len(conns) {
			return nil
		}
		var data []byte
		if len(filtered) > 0 {
			data, err = json.Marshal(filtered)
			if err != nil {
				return err
			}
		}
		err = r.kv.CompareAndSwap(ctx, userKey(userID), old, data, r.cfg.RecordTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordination.ErrCASMismatch) {
			return err
		}
	}
	return fmt.Errorf("user list for %s: too much contention", userID)
}

// addChannelInterest bumps this instance's subscriber count in the channel
// interest map.
func (r *Registry) addChannelInterest(ctx context.Context, channel, instanceID string) error {
	return r.adjustChannelInterest(ctx, channel, instanceID, 1)
}

func (r *Registry) dropChannelInterest(ctx context.Context, channel, instanceID string) error {
	return r.adjustChannelInterest(ctx, channel, instanceID, -1)
}

func (r *Registry) adjustChannelInterest(ctx context.Context, channel, instanceID string, delta int) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		old, err := r.kv.Get(ctx, chanKey(channel))
		if err != nil {
			return err
		}
		interest := map[string]int{}
		if old != nil {
			if err := json.Unmarshal(old, &interest); err != nil {
				return fmt.Errorf("corrupt interest map for %q: %w", channel, err)
			}
		}
		interest[instanceID] += delta
		if interest[instanceID] <= 0 {
			delete(interest, instanceID)
		}
		var data []byte
		if len(interest) > 0 {
			data, err = json.Marshal(interest)
			if err != nil {
				return err
			}
		}
		err = r.kv.CompareAndSwap(ctx, chanKey(channel), old, data, 0)
		if err == nil {
			r.instanceCache.Remove(channel)
			return nil
		}
		if !errors.Is(err, coordination.ErrCASMismatch) {
			return err
		}
	}
	return fmt.Errorf("interest map for %q: too much contention", channel)
}
