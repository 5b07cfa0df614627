package traceflow

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port               int
	databaseURL        string
	environment        string
	logger             *slog.Logger
	version            string
	disablePersistence bool
}

// WithPort overrides the TCP port from config (TRACEFLOW_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the event store connection string from config
// (TRACEFLOW_DB_URL env var). postgres:// URLs select Postgres; anything
// else is treated as a SQLite path.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithEnvironment overrides the deployment environment stamped on events
// that don't carry their own (TRACEFLOW_ENVIRONMENT env var).
func WithEnvironment(env string) Option {
	return func(o *resolvedOptions) { o.environment = env }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithoutPersistence disables the durable event record entirely: events
// are streamed to live subscribers only and the read API reports storage
// as unavailable.
func WithoutPersistence() Option {
	return func(o *resolvedOptions) { o.disablePersistence = true }
}
