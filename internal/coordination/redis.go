package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// casScript performs a linearizable compare-and-swap on one key. An empty
// expected value asserts absence; an empty new value deletes the key.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
if ARGV[2] == '' then
  redis.call('DEL', KEYS[1])
elseif tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisConfig configures the Redis coordination backend.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	OpTimeout time.Duration
}

// RedisStore implements both coordination capabilities over a single Redis
// deployment: plain keys for KV and Redis pub/sub for broadcast.
type RedisStore struct {
	client     redis.UniversalClient
	logger     *zap.Logger
	prefix     string
	opTimeout  time.Duration
	instanceID string

	mu          sync.Mutex
	pubsub      *redis.PubSub
	subscribers map[string]chan *Envelope
	closed      bool
	recvCtx     context.Context
	recvCancel  context.CancelFunc
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, instanceID string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 100
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "axion"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	recvCtx, recvCancel := context.WithCancel(context.Background())
	s := &RedisStore{
		client:      client,
		logger:      logger,
		prefix:      cfg.KeyPrefix,
		opTimeout:   cfg.OpTimeout,
		instanceID:  instanceID,
		subscribers: make(map[string]chan *Envelope),
		recvCtx:     recvCtx,
		recvCancel:  recvCancel,
	}
	logger.Info("redis coordination store connected",
		zap.String("address", cfg.Address),
		zap.String("prefix", cfg.KeyPrefix))
	return s, nil
}

func (s *RedisStore) key(k string) string   { return s.prefix + ":" + k }
func (s *RedisStore) topic(t string) string { return s.prefix + ":bcast:" + t }

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Get returns the value for key, or (nil, nil) when absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return val, nil
}

// Set stores value under key with an optional ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// SetNX stores value only when key is absent.
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// CompareAndSwap atomically replaces old with new via a Lua script.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	res, err := casScript.Run(ctx, s.client,
		[]string{s.key(key)},
		string(old), string(new), strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		return unavailable("cas", err)
	}
	if res == 0 {
		return ErrCASMismatch
	}
	return nil
}

// Delete removes key; no-op when absent.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Incr atomically adds delta to the counter at key.
func (s *RedisStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.IncrBy(ctx, s.key(key), delta).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return val, nil
}

// Expire refreshes the ttl of key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Expire(ctx, s.key(key), ttl).Err(); err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// Publish sends payload to every subscriber of topic across all instances.
func (s *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	env := &Envelope{
		Topic:      topic,
		Payload:    payload,
		InstanceID: s.instanceID,
		SentAt:     time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Publish(ctx, s.topic(topic), data).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

// Subscribe registers interest in topic and returns its delivery channel.
func (s *RedisStore) Subscribe(ctx context.Context, topic string) (<-chan *Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.subscribers[topic]; exists {
		return nil, fmt.Errorf("already subscribed to topic %q", topic)
	}

	ch := make(chan *Envelope, 256)
	s.subscribers[topic] = ch

	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(s.recvCtx)
	}
	if err := s.pubsub.Subscribe(ctx, s.topic(topic)); err != nil {
		delete(s.subscribers, topic)
		close(ch)
		return nil, unavailable("subscribe", err)
	}
	if len(s.subscribers) == 1 {
		go s.receiveLoop()
	}

	s.logger.Debug("subscribed to broadcast topic", zap.String("topic", topic))
	return ch, nil
}

// receiveLoop pulls messages off the shared PubSub and routes them to the
// per-topic channels. A full subscriber channel drops the delivery; the
// at-least-once contract is the store's, local overload is the consumer's.
func (s *RedisStore) receiveLoop() {
	for {
		msg, err := s.pubsub.ReceiveMessage(s.recvCtx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || s.recvCtx.Err() != nil {
				return
			}
			s.logger.Error("broadcast receive failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.logger.Error("failed to unmarshal broadcast envelope", zap.Error(err))
			continue
		}

		// Send while holding the lock so Unsubscribe cannot close the
		// channel mid-send. The send is non-blocking so the lock is short.
		s.mu.Lock()
		if ch, exists := s.subscribers[env.Topic]; exists {
			select {
			case ch <- &env:
			default:
				s.logger.Warn("broadcast subscriber channel full, dropping delivery",
					zap.String("topic", env.Topic))
			}
		}
		s.mu.Unlock()
	}
}

// Unsubscribe stops delivery for topic and closes its channel.
func (s *RedisStore) Unsubscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.subscribers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic %q", topic)
	}
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(ctx, s.topic(topic)); err != nil {
			s.logger.Warn("failed to unsubscribe from Redis", zap.Error(err))
		}
	}
	close(ch)
	delete(s.subscribers, topic)
	return nil
}

// Close tears down the pub/sub state and the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.recvCancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[string]chan *Envelope)
	s.mu.Unlock()

	return s.client.Close()
}
