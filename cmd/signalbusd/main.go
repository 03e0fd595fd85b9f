package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalbus/core/internal/adminapi"
	"github.com/signalbus/core/internal/bus"
	"github.com/signalbus/core/internal/config"
	"github.com/signalbus/core/internal/dispatch"
	"github.com/signalbus/core/internal/logging"
	"github.com/signalbus/core/internal/partition"
	"github.com/signalbus/core/internal/storage"
	"github.com/signalbus/core/internal/telemetry"
)

func main() {
	var (
		configFile string
		addr       string
	)
	flag.StringVar(&configFile, "config", "", "path to a YAML config file layered over the environment")
	flag.StringVar(&addr, "addr", ":8080", "admin HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewMemoryAdapter()
	if err != nil {
		logger.Fatal("failed to initialise storage adapter", logging.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	tel := telemetry.New(registry)

	reg := dispatch.NewRegistry().WithLogger(logger)

	busOpts := []bus.Option{
		bus.WithMiddlewareTimeout(cfg.MiddlewareTimeout),
		bus.WithLogTTL(cfg.LogTTL),
		bus.WithTelemetry(tel),
		bus.WithMaxConsumers(cfg.MaxConsumers),
		bus.WithLogger(logger),
	}
	if cfg.PartitionCount > 0 {
		busOpts = append(busOpts, bus.WithPartitions(cfg.PartitionCount,
			partition.WithRateLimit(cfg.PartitionRateLimit, cfg.PartitionBurstSize)))
	}

	b, err := bus.New(cfg.BusID, store, reg, busOpts...)
	if err != nil {
		logger.Fatal("failed to construct bus", logging.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	b.Run(ctx)
	defer b.Stop()

	handlers := adminapi.NewHandlerSet(adminapi.Options{
		Logger:     logger,
		Bus:        b,
		Gatherer:   registry,
		AdminToken: cfg.AdminToken,
		Now:        time.Now,
	})
	mux := http.NewServeMux()
	handlers.Register(mux)

	server := &http.Server{Addr: addr, Handler: logging.HTTPTraceMiddleware(logger)(mux)}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown failed", logging.Error(err))
		}
	}()

	logger.Info("signalbus admin surface listening", logging.String("address", addr), logging.String("bus_id", cfg.BusID))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("admin server terminated", logging.Error(err))
	}
}
