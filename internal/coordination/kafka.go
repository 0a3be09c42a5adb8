package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka broadcast backend.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaBroadcast implements Broadcast over a single Kafka topic. All logical
// topics are multiplexed onto one Kafka topic keyed by logical topic name;
// every instance consumes with its own group so each sees every message.
// Deployments pick this over Redis pub/sub when they want the fan-out
// persisted and replayable by downstream consumers.
type KafkaBroadcast struct {
	writer     *kafka.Writer
	reader     *kafka.Reader
	logger     *zap.Logger
	instanceID string

	mu     sync.Mutex
	subs   map[string][]chan *Envelope
	closed bool
	cancel context.CancelFunc
	once   sync.Once
}

// NewKafkaBroadcast creates a broadcast backend over the given brokers.
func NewKafkaBroadcast(cfg KafkaConfig, instanceID string, logger *zap.Logger) *KafkaBroadcast {
	if logger == nil {
		logger = zap.NewNop()
	}
	groupID := cfg.GroupID
	if groupID == "" {
		// one group per instance: every instance sees every broadcast
		groupID = "axion-push-" + instanceID
	}
	return &KafkaBroadcast{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: groupID,
		}),
		logger:     logger,
		instanceID: instanceID,
		subs:       make(map[string][]chan *Envelope),
	}
}

// Publish sends payload for the logical topic through the Kafka topic.
func (k *KafkaBroadcast) Publish(ctx context.Context, topic string, payload []byte) error {
	env := &Envelope{
		Topic:      topic,
		Payload:    payload,
		InstanceID: k.instanceID,
		SentAt:     time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(topic), Value: data}); err != nil {
		return fmt.Errorf("publish: %w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers a delivery channel for the logical topic. The consume
// loop starts on first subscription.
func (k *KafkaBroadcast) Subscribe(ctx context.Context, topic string) (<-chan *Envelope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	ch := make(chan *Envelope, 256)
	k.subs[topic] = append(k.subs[topic], ch)

	k.once.Do(func() {
		loopCtx, cancel := context.WithCancel(context.Background())
		k.cancel = cancel
		go k.consumeLoop(loopCtx)
	})
	return ch, nil
}

func (k *KafkaBroadcast) consumeLoop(ctx context.Context) {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.logger.Error("kafka read failed", zap.Error(err))
			time.Sleep(250 * time.Millisecond)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			k.logger.Error("failed to unmarshal kafka envelope", zap.Error(err))
			continue
		}
		k.mu.Lock()
		for _, ch := range k.subs[env.Topic] {
			select {
			case ch <- &env:
			default:
				k.logger.Warn("kafka subscriber channel full, dropping delivery",
					zap.String("topic", env.Topic))
			}
		}
		k.mu.Unlock()
	}
}

// Unsubscribe stops delivery for the logical topic.
func (k *KafkaBroadcast) Unsubscribe(ctx context.Context, topic string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, ch := range k.subs[topic] {
		close(ch)
	}
	delete(k.subs, topic)
	return nil
}

// Close shuts down the writer, reader and all subscription channels.
func (k *KafkaBroadcast) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	if k.cancel != nil {
		k.cancel()
	}
	for topic, chans := range k.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(k.subs, topic)
	}
	k.mu.Unlock()

	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
