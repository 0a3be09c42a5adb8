// Command axion-push runs one instance of the push delivery service: it
// terminates websocket connections, registers them in the shared
// coordination store, and routes published messages to every subscribed
// connection across the fleet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ghantakiran/axion-stock-sub002/internal/backpressure"
	"github.com/ghantakiran/axion-stock-sub002/internal/config"
	"github.com/ghantakiran/axion-stock-sub002/internal/coordination"
	"github.com/ghantakiran/axion-stock-sub002/internal/push"
	"github.com/ghantakiran/axion-stock-sub002/internal/registry"
	"github.com/ghantakiran/axion-stock-sub002/internal/router"
	"github.com/ghantakiran/axion-stock-sub002/internal/session"
	"github.com/ghantakiran/axion-stock-sub002/internal/transport"
	"github.com/ghantakiran/axion-stock-sub002/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	instanceID := instanceID()
	log.Info("starting axion-push",
		zap.String("instance_id", instanceID),
		zap.String("addr", cfg.Server.Addr),
		zap.String("broadcast_backend", cfg.Broadcast.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, bcast, closeStore, err := buildStore(ctx, cfg, instanceID, log)
	if err != nil {
		return err
	}
	defer closeStore()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg := registry.New(kv, registry.Config{
		InstanceID:      instanceID,
		MaxConnsPerUser: cfg.Registry.MaxConnsPerUser,
		MaxConnsGlobal:  cfg.Registry.MaxConnsGlobal,
		RecordTTL:       cfg.Registry.RecordTTL,
		CacheTTL:        cfg.Registry.CacheTTL,
		CacheSize:       cfg.Registry.CacheSize,
	}, log, registry.NewMetrics(promReg))

	rt := router.New(kv, bcast, router.Config{
		InstanceID:  instanceID,
		Dispatchers: cfg.Broadcast.Dispatchers,
		ReplayDepth: cfg.Session.ReplayDepth,
	}, log, router.NewMetrics(promReg))

	sessions := session.NewManager(session.Config{
		GraceWindow:          cfg.Session.GraceWindow,
		MinReconnectInterval: cfg.Session.MinReconnectInterval,
		SweepInterval:        cfg.Session.SweepInterval,
	}, kv, rt, nil, log, session.NewMetrics(promReg))

	strategy, err := backpressure.ParseStrategy(cfg.Queue.Eviction)
	if err != nil {
		return err
	}
	svc := push.New(push.Config{
		InstanceID: instanceID,
		Queue: backpressure.Config{
			Capacity:        cfg.Queue.Capacity,
			Strategy:        strategy,
			HighWater:       cfg.Queue.HighWater,
			LowWater:        cfg.Queue.LowWater,
			HighWaterGrace:  cfg.Queue.HighWaterGrace,
			MaxSendAttempts: cfg.Queue.MaxSendAttempts,
			SendRetryDelay:  cfg.Queue.SendRetryDelay,
		},
	}, reg, sessions, rt, log, push.NewMetrics(promReg), backpressure.NewMetrics(promReg))

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	wsCfg := transport.WSConfig{
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		MaxMessageSize: 64 * 1024,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		sessionID := r.URL.Query().Get("session_id")
		if userID == "" && sessionID == "" {
			http.Error(w, "user_id or session_id required", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade failed", zap.Error(err))
			return
		}
		conn := transport.NewWSConn(ws, wsCfg)
		if sessionID != "" {
			_, err = svc.Resume(r.Context(), conn, sessionID)
		} else {
			_, err = svc.Connect(r.Context(), conn, userID)
		}
		if err != nil {
			// the service already wrote the refusal frame and closed conn
			log.Debug("connection refused", zap.Error(err))
		}
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn("service stop", zap.Error(err))
	}
	log.Info("stopped")
	return nil
}

// buildStore assembles the coordination capabilities for the configured
// backend. Kafka replaces only the broadcast medium; sequence counters and
// registry state stay in Redis.
func buildStore(ctx context.Context, cfg *config.Config, instanceID string, log *zap.Logger) (coordination.KV, coordination.Broadcast, func(), error) {
	switch cfg.Broadcast.Backend {
	case "memory":
		store := coordination.NewMemoryStore(instanceID)
		return store, store, func() { store.Close() }, nil
	case "kafka":
		redisStore, err := newRedisStore(ctx, cfg, instanceID, log)
		if err != nil {
			return nil, nil, nil, err
		}
		kafkaBcast := coordination.NewKafkaBroadcast(coordination.KafkaConfig{
			Brokers: cfg.Broadcast.KafkaBrokers,
			Topic:   cfg.Broadcast.KafkaTopic,
			GroupID: cfg.Broadcast.KafkaGroupID,
		}, instanceID, log)
		return redisStore, kafkaBcast, func() {
			kafkaBcast.Close()
			redisStore.Close()
		}, nil
	default:
		store, err := newRedisStore(ctx, cfg, instanceID, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	}
}

func newRedisStore(ctx context.Context, cfg *config.Config, instanceID string, log *zap.Logger) (*coordination.RedisStore, error) {
	store, err := coordination.NewRedisStore(ctx, coordination.RedisConfig{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		KeyPrefix: cfg.Redis.KeyPrefix,
		OpTimeout: cfg.Redis.OpTimeout,
	}, instanceID, log)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return store, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}
