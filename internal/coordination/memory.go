package coordination

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of both coordination
// capabilities for single-node deployments and tests. Semantics match the
// Redis backend, including per-key linearizable CAS and TTL expiry.
type MemoryStore struct {
	mu         sync.Mutex
	data       map[string]memEntry
	subs       map[string][]chan *Envelope
	instanceID string
	closed     bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(instanceID string) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]memEntry),
		subs:       make(map[string][]chan *Envelope),
		instanceID: instanceID,
	}
}

// live returns the entry for key if present and unexpired, pruning it
// otherwise. Callers hold s.mu.
func (s *MemoryStore) live(key string) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.data, key)
		return nil, false
	}
	return e.value, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.data[key] = memEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.live(key)
	if old == nil {
		if ok {
			return ErrCASMismatch
		}
	} else if !ok || !bytes.Equal(cur, old) {
		return ErrCASMismatch
	}
	if new == nil {
		delete(s.data, key)
		return nil
	}
	s.data[key] = memEntry{value: append([]byte(nil), new...), expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if val, ok := s.live(key); ok {
		n, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return 0, err
		}
		cur = n
	}
	cur += delta
	e := s.data[key]
	e.value = []byte(strconv.FormatInt(cur, 10))
	s.data[key] = e
	return cur, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); !ok {
		return nil
	}
	e := s.data[key]
	e.expiresAt = expiry(ttl)
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, topic string, payload []byte) error {
	env := &Envelope{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		InstanceID: s.instanceID,
		SentAt:     time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range s.subs[topic] {
		select {
		case ch <- env:
		default:
			// subscriber overloaded, delivery dropped
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic string) (<-chan *Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Envelope, 256)
	s.subs[topic] = append(s.subs[topic], ch)
	return ch, nil
}

func (s *MemoryStore) Unsubscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[topic] {
		close(ch)
	}
	delete(s.subs, topic)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for topic, chans := range s.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.subs, topic)
	}
	return nil
}
