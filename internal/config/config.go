// Package config defines the configuration surface for the realtime push core.
package config

import (
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Broadcast BroadcastConfig `yaml:"broadcast" mapstructure:"broadcast"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
}

// ServerConfig represents the WebSocket listener configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MetricsPath     string        `yaml:"metrics_path" mapstructure:"metrics_path"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json | console
}

// RedisConfig represents the coordination store connection
type RedisConfig struct {
	Address   string        `yaml:"address" mapstructure:"address"`
	Password  string        `yaml:"password" mapstructure:"password"`
	DB        int           `yaml:"db" mapstructure:"db"`
	PoolSize  int           `yaml:"pool_size" mapstructure:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	OpTimeout time.Duration `yaml:"op_timeout" mapstructure:"op_timeout"`
}

// BroadcastConfig selects the cross-instance broadcast backend
type BroadcastConfig struct {
	Backend      string   `yaml:"backend" mapstructure:"backend"` // redis | kafka | memory
	KafkaBrokers []string `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
	KafkaGroupID string   `yaml:"kafka_group_id" mapstructure:"kafka_group_id"`
	Dispatchers  int      `yaml:"dispatchers" mapstructure:"dispatchers"`
}

// RegistryConfig represents connection registry limits and caching
type RegistryConfig struct {
	MaxConnsPerUser int           `yaml:"max_conns_per_user" mapstructure:"max_conns_per_user"`
	MaxConnsGlobal  int           `yaml:"max_conns_global" mapstructure:"max_conns_global"`
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheSize       int           `yaml:"cache_size" mapstructure:"cache_size"`
	RecordTTL       time.Duration `yaml:"record_ttl" mapstructure:"record_ttl"`
}

// QueueConfig represents the per-connection outbound queue behavior
type QueueConfig struct {
	Capacity        int           `yaml:"capacity" mapstructure:"capacity"`
	Eviction        string        `yaml:"eviction" mapstructure:"eviction"` // oldest_first | lowest_priority
	HighWater       int           `yaml:"high_water" mapstructure:"high_water"`
	LowWater        int           `yaml:"low_water" mapstructure:"low_water"`
	HighWaterGrace  time.Duration `yaml:"high_water_grace" mapstructure:"high_water_grace"`
	MaxSendAttempts int           `yaml:"max_send_attempts" mapstructure:"max_send_attempts"`
	SendRetryDelay  time.Duration `yaml:"send_retry_delay" mapstructure:"send_retry_delay"`
}

// SessionConfig represents reconnection and replay behavior
type SessionConfig struct {
	GraceWindow          time.Duration `yaml:"grace_window" mapstructure:"grace_window"`
	ReplayDepth          int           `yaml:"replay_depth" mapstructure:"replay_depth"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval" mapstructure:"min_reconnect_interval"`
	SweepInterval        time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MetricsPath:     "/metrics",
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  100,
			KeyPrefix: "axion",
			OpTimeout: 2 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Backend:     "redis",
			Dispatchers: 4,
			KafkaTopic:  "axion-push",
		},
		Registry: RegistryConfig{
			MaxConnsPerUser: 8,
			MaxConnsGlobal:  100000,
			CacheTTL:        2 * time.Second,
			CacheSize:       4096,
			RecordTTL:       60 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:        256,
			Eviction:        "oldest_first",
			HighWater:       192,
			LowWater:        64,
			HighWaterGrace:  5 * time.Second,
			MaxSendAttempts: 3,
			SendRetryDelay:  50 * time.Millisecond,
		},
		Session: SessionConfig{
			GraceWindow:          30 * time.Second,
			ReplayDepth:          1024,
			MinReconnectInterval: time.Second,
			SweepInterval:        10 * time.Second,
		},
	}
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.HighWater > c.Queue.Capacity {
		return fmt.Errorf("queue.high_water %d exceeds capacity %d", c.Queue.HighWater, c.Queue.Capacity)
	}
	if c.Queue.LowWater >= c.Queue.HighWater {
		return fmt.Errorf("queue.low_water %d must be below high_water %d", c.Queue.LowWater, c.Queue.HighWater)
	}
	switch c.Queue.Eviction {
	case "oldest_first", "lowest_priority":
	default:
		return fmt.Errorf("queue.eviction must be oldest_first or lowest_priority, got %q", c.Queue.Eviction)
	}
	switch c.Broadcast.Backend {
	case "redis", "memory":
	case "kafka":
		if len(c.Broadcast.KafkaBrokers) == 0 {
			return fmt.Errorf("broadcast.kafka_brokers required for kafka backend")
		}
	default:
		return fmt.Errorf("broadcast.backend must be redis, kafka or memory, got %q", c.Broadcast.Backend)
	}
	if c.Registry.MaxConnsPerUser <= 0 {
		return fmt.Errorf("registry.max_conns_per_user must be positive, got %d", c.Registry.MaxConnsPerUser)
	}
	if c.Session.GraceWindow <= 0 {
		return fmt.Errorf("session.grace_window must be positive, got %s", c.Session.GraceWindow)
	}
	if c.Session.ReplayDepth <= 0 {
		return fmt.Errorf("session.replay_depth must be positive, got %d", c.Session.ReplayDepth)
	}
	if c.Registry.RecordTTL < c.Session.GraceWindow {
		return fmt.Errorf("registry.record_ttl %s must cover session.grace_window %s",
			c.Registry.RecordTTL, c.Session.GraceWindow)
	}
	return nil
}
