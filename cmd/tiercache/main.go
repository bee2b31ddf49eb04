package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/adaptix/tiercache/internal/algorithm"
	"github.com/adaptix/tiercache/internal/config"
	"github.com/adaptix/tiercache/internal/health"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/server"
	"github.com/adaptix/tiercache/internal/service"
	"github.com/adaptix/tiercache/internal/store"
	"github.com/adaptix/tiercache/internal/store/disk"
	"github.com/adaptix/tiercache/internal/store/memory"
	"github.com/adaptix/tiercache/internal/store/redisstore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.Int("tiers", len(cfg.Tiers)))

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	reg := registry.New(logger)
	var closers []io.Closer
	breakerCfg := registry.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
		FailureWindow:    cfg.Breaker.FailureWindow,
	}

	for _, tc := range cfg.Tiers {
		backend, closer, err := buildBackend(tc, logger)
		if err != nil {
			logger.Fatal("Failed to initialize tier backend",
				zap.String("tier", tc.Name),
				zap.Error(err))
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		reg.Register(registry.NewTier(tc.Name, tc.CapacityBytes, tc.SpeedRank, tc.CacheBearing, backend, breakerCfg))
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	meta, err := metadata.New(&metadata.Config{
		Path:       cfg.Metadata.Path,
		SyncWrites: cfg.Metadata.SyncWrites,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open metadata store", zap.Error(err))
	}
	defer meta.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metadata.RebuildOnStart {
		count, err := meta.Count()
		if err != nil {
			logger.Fatal("Failed to inspect metadata store", zap.Error(err))
		}
		if count == 0 {
			logger.Info("Metadata store empty, rebuilding from tier scans")
			if err := meta.Rebuild(ctx, reg.Ordered()); err != nil {
				logger.Error("Metadata rebuild incomplete", zap.Error(err))
			}
		}
	}

	caches := make(map[string]service.CacheSpec, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		if tc.CacheBearing && tc.CacheEntries > 0 {
			caches[tc.Name] = service.CacheSpec{
				CapacityEntries: tc.CacheEntries,
				MaxBytes:        tc.CacheMaxBytes,
			}
		}
	}

	engine := service.NewCacheEngine(&service.EngineConfig{
		Fetch: service.FetchConfig{
			FetchTimeout:       cfg.Engine.FetchTimeout,
			HeatDecayPerSecond: cfg.Engine.HeatDecayPerSecond,
		},
		Migration: service.MigrationConfig{
			PromotionThreshold: cfg.Engine.PromotionThreshold,
			DemotionIdle:       cfg.Engine.DemotionIdle,
			SweepInterval:      cfg.Engine.SweepInterval,
			CopyTimeout:        cfg.Engine.CopyTimeout,
		},
		Integrity: service.IntegrityConfig{
			SampleInterval: cfg.Integrity.SampleInterval,
			SampleSize:     cfg.Integrity.SampleSize,
			ReadTimeout:    cfg.Integrity.ReadTimeout,
		},
		Replication: service.ReplicationConfig{
			Policy: algorithm.ReplicationPolicy{
				MinFactor:    cfg.Replication.MinFactor,
				TargetFactor: cfg.Replication.TargetFactor,
				MaxFactor:    cfg.Replication.MaxFactor,
			},
			WriteTimeout: cfg.Replication.WriteTimeout,
		},
		Caches:              caches,
		DefaultCacheEntries: cfg.Engine.DefaultCacheEntries,
		Workers:             cfg.Engine.Workers,
		QueueSize:           cfg.Engine.QueueSize,
	}, reg, meta, m, logger)

	engine.Start(ctx)

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		Interval:     cfg.Health.Interval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	}, reg, meta, logger)
	go checker.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
		}, promRegistry, engine, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("Cache engine running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)

	engine.Stop(cfg.Engine.ShutdownTimeout)
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	cancel()
}

// buildBackend constructs the store adapter for one configured tier
func buildBackend(tc config.TierConfig, logger *zap.Logger) (store.Store, io.Closer, error) {
	switch tc.Backend {
	case "memory":
		s, err := memory.New(&memory.Config{
			LifeWindow:  tc.Memory.LifeWindow,
			CleanWindow: tc.Memory.CleanWindow,
			MaxSizeMB:   tc.Memory.MaxSizeMB,
			Shards:      tc.Memory.Shards,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "disk":
		s, err := disk.New(&disk.Config{
			Path:       tc.Disk.Path,
			SyncWrites: tc.Disk.SyncWrites,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		s := redisstore.New(&redisstore.Config{
			Addr:      tc.Redis.Addr,
			Password:  tc.Redis.Password,
			DB:        tc.Redis.DB,
			KeyPrefix: tc.Redis.KeyPrefix,
			TTL:       tc.Redis.TTL,
		}, logger)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", tc.Backend)
	}
}

// initLogger initializes the zap logger from the logging config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
