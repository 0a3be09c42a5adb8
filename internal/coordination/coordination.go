// Package coordination abstracts the shared store every instance coordinates
// through: a key-value surface with linearizable per-key updates and atomic
// counters, and a broadcast surface with at-least-once fan-out to all current
// subscribers. The two capabilities are separate interfaces so they can be
// backed by one system or two.
package coordination

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable indicates the coordination store is unreachable. Callers
	// apply their documented backoff-and-retry policy.
	ErrUnavailable = errors.New("coordination store unavailable")

	// ErrCASMismatch indicates a compare-and-swap lost against a concurrent
	// writer.
	ErrCASMismatch = errors.New("compare-and-swap mismatch")

	// ErrClosed indicates the backend has been shut down.
	ErrClosed = errors.New("coordination backend closed")
)

// KV is the key-value capability of the coordination store.
type KV interface {
	// Get returns the value for key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent; reports whether it won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap atomically replaces old with new. A nil old asserts the
	// key is absent; a nil new deletes it. Returns ErrCASMismatch on loss.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) error

	// Delete removes key; no-op when absent.
	Delete(ctx context.Context, key string) error

	// Incr atomically adds delta to the integer at key and returns the result.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	// Expire refreshes the ttl of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Envelope is one broadcast delivery.
type Envelope struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	InstanceID string    `json:"instance_id"`
	SentAt     time.Time `json:"sent_at"`
}

// Broadcast is the cross-instance fan-out capability.
type Broadcast interface {
	// Publish sends payload to every current subscriber of topic, across all
	// instances, with at-least-once delivery.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel receiving every envelope published to topic
	// from now on. One subscription per topic per backend instance.
	Subscribe(ctx context.Context, topic string) (<-chan *Envelope, error)

	// Unsubscribe stops delivery for topic and closes its channel.
	Unsubscribe(ctx context.Context, topic string) error

	// Close tears down the backend and closes all subscription channels.
	Close() error
}

// Store combines both capabilities when one backend provides them.
type Store interface {
	KV
	Broadcast
}
