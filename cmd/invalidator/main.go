// Command invalidator keeps the query cache consistent with the document
// store.
//
// It consumes document mutation events from Kafka, finds the cached queries
// that reference each changed document through the configured inversion
// strategy, and removes or drops them. Prometheus metrics and health probes
// are served on the metrics port.
//
// Usage:
//
//	go run ./cmd/invalidator [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miracle2k/xappy-sub001/internal/invalidation"
	"github.com/miracle2k/xappy-sub001/internal/invert"
	"github.com/miracle2k/xappy-sub001/internal/kvstore"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	"github.com/miracle2k/xappy-sub001/pkg/config"
	"github.com/miracle2k/xappy-sub001/pkg/health"
	"github.com/miracle2k/xappy-sub001/pkg/kafka"
	"github.com/miracle2k/xappy-sub001/pkg/logger"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting invalidator",
		"backend", cfg.Cache.Backend,
		"inverter", cfg.Cache.Inverter,
		"chunk_size", cfg.Cache.ChunkSizeOrZero(),
	)

	mt := metrics.New(prometheus.DefaultRegisterer)

	store, err := kvstore.OpenConfigured(cfg)
	if err != nil {
		slog.Error("failed to open cache store", "error", err)
		os.Exit(1)
	}
	inverter, err := invert.New(cfg.Cache.Inverter, cfg.Cache.TempDir, mt)
	if err != nil {
		store.Close()
		slog.Error("failed to create inverter", "error", err)
		os.Exit(1)
	}
	manager, err := querycache.New(store,
		querycache.WithChunkSize(cfg.Cache.ChunkSizeOrZero()),
		querycache.WithInverter(inverter),
		querycache.WithMetrics(mt),
	)
	if err != nil {
		inverter.Close()
		store.Close()
		slog.Error("failed to create cache manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Error("closing cache manager", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) error {
		return kafka.Ping(ctx, cfg.Kafka.Brokers)
	})
	checker.Register("store", store.Ping)
	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, checker.Mount)
	}

	handler := invalidation.HandleMessage(invalidation.New(manager, mt))
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate, handler)

	slog.Info("invalidator ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.CacheInvalidate,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	if err := manager.Flush(); err != nil {
		slog.Error("final flush failed", "error", err)
	}
	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown", "error", err)
		}
	}
	slog.Info("invalidator stopped")
}
