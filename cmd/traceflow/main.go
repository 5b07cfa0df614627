package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/traceflow/traceflow/internal/adapter"
	"github.com/traceflow/traceflow/internal/config"
	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
	"github.com/traceflow/traceflow/internal/server"
	"github.com/traceflow/traceflow/internal/storage"
	"github.com/traceflow/traceflow/internal/telemetry"
	"github.com/traceflow/traceflow/internal/timeline"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRACEFLOW_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("traceflow starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the event store. Durable logging can be switched off entirely,
	// leaving the live stream as the only consumer.
	var store storage.Store
	storeKind := "disabled"
	if cfg.EnableDBLogging {
		store, err = storage.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer func() { _ = store.Close(context.Background()) }()
		storeKind = storage.Kind(cfg.DatabaseURL)
	} else {
		logger.Warn("durable logging disabled, events stream live only")
	}

	// Hub: sequence assignment, persistence queue, live fan-out.
	h := hub.New(store, logger, hub.Config{
		QueueSize:          cfg.EventQueueSize,
		SubscriberBuffer:   cfg.SubscriberBuffer,
		PersistTimeout:     cfg.PersistTimeout,
		DisablePersistence: !cfg.EnableDBLogging,
	})
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("hub: %w", err)
	}

	norm := normalize.New(cfg.Environment, cfg.MaxEventBytes)
	rec := adapter.NewRecorder(norm, h, model.SystemBackend, logger)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Hub:                 h,
		Builder:             timeline.NewBuilder(store, logger),
		Recorder:            rec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreKind:           storeKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: (1) stop
	// accepting new HTTP requests and drain in-flight (they may still
	// enqueue events), (2) flush the hub's persistence queue.
	slog.Info("traceflow shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	h.Drain(drainCtx)
	drainCancel()

	if n := h.UnpersistedEvents(); n > 0 {
		slog.Warn("events lost from durable record", "count", n)
	}

	slog.Info("traceflow stopped")
	return nil
}
