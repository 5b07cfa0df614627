// Package traceflow is the public API for embedding the traceflow event
// correlation server, or for instrumenting an application that reports to
// an in-process instance:
//
//	app, err := traceflow.New(
//	    traceflow.WithVersion(version),
//	    traceflow.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: traceflow (root)
// imports internal/*, but internal/* never imports the root.
package traceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/traceflow/traceflow/internal/adapter"
	"github.com/traceflow/traceflow/internal/config"
	"github.com/traceflow/traceflow/internal/hub"
	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/normalize"
	"github.com/traceflow/traceflow/internal/server"
	"github.com/traceflow/traceflow/internal/storage"
	"github.com/traceflow/traceflow/internal/taskq"
	"github.com/traceflow/traceflow/internal/telemetry"
	"github.com/traceflow/traceflow/internal/timeline"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// App is the traceflow server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store // nil when durable logging is disabled
	hub          *hub.Hub
	recorder     *adapter.Recorder
	tasks        *taskq.Queue
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server: it opens the event store, seeds the sequence
// counter, and wires all subsystems. It does NOT start accepting HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.environment != "" {
		cfg.Environment = o.environment
	}
	if o.disablePersistence {
		cfg.EnableDBLogging = false
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("traceflow starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var store storage.Store
	storeKind := "disabled"
	if cfg.EnableDBLogging {
		store, err = storage.Open(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		storeKind = storage.Kind(cfg.DatabaseURL)
	} else {
		logger.Warn("durable logging disabled, events stream live only")
	}

	h := hub.New(store, logger, hub.Config{
		QueueSize:          cfg.EventQueueSize,
		SubscriberBuffer:   cfg.SubscriberBuffer,
		PersistTimeout:     cfg.PersistTimeout,
		DisablePersistence: !cfg.EnableDBLogging,
	})
	if err := h.Start(context.Background()); err != nil {
		if store != nil {
			_ = store.Close(context.Background())
		}
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("hub: %w", err)
	}

	norm := normalize.New(cfg.Environment, cfg.MaxEventBytes)
	rec := adapter.NewRecorder(norm, h, model.SystemBackend, logger)

	tasks := taskq.New(
		adapter.NewRecorder(norm, h, model.SystemWorker, logger),
		logger,
		taskq.Config{Workers: cfg.TaskWorkers, QueueSize: cfg.TaskQueueSize},
	)

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

	return &App{
		cfg:          cfg,
		store:        store,
		hub:          h,
		recorder:     rec,
		tasks:        tasks,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically —
// callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: (1) stop accepting HTTP requests
// and drain in-flight, (2) finish queued background tasks, (3) flush the
// hub's persistence queue, then close the store and OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("traceflow shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	taskCtx, taskCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.tasks.Shutdown(taskCtx); err != nil {
		a.logger.Error("task queue shutdown error", "error", err)
	}
	taskCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	a.hub.Drain(drainCtx)
	drainCancel()

	if n := a.hub.UnpersistedEvents(); n > 0 {
		a.logger.Warn("events lost from durable record", "count", n)
	}

	_ = a.otelShutdown(context.Background())
	if a.store != nil {
		_ = a.store.Close(context.Background())
	}

	a.logger.Info("traceflow stopped")
	return nil
}

// Handler returns the root HTTP handler, for mounting the API inside an
// existing server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Record normalizes and ingests one raw event. The trace id is resolved
// from the payload, then from ctx, then generated. The returned id is the
// event's position in the global acceptance order.
func (a *App) Record(ctx context.Context, raw map[string]any) (int64, error) {
	ev, err := a.recorder.Record(ctx, model.RawEvent(raw))
	if err != nil {
		return 0, err
	}
	return ev.ID, nil
}

// Middleware returns HTTP middleware that propagates X-Trace-ID through
// the wrapped handler and captures a request event pair.
func (a *App) Middleware() func(http.Handler) http.Handler {
	return adapter.HTTPMiddleware(a.recorder)
}

// Enqueue schedules background work that inherits the caller's trace.
func (a *App) Enqueue(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return a.tasks.Enqueue(ctx, name, fn)
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string {
	return tracectx.Generate()
}

// WithTraceID binds a trace id to ctx for downstream capture calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return tracectx.With(ctx, traceID)
}

// TraceIDFrom returns the trace id bound to ctx, or "".
func TraceIDFrom(ctx context.Context) string {
	return tracectx.From(ctx)
}
