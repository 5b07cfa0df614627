// Package tracectx binds a trace identifier to a single logical execution
// unit via context.Context.
//
// The binding is strictly per-context: there is no process-wide mutable
// trace id, so concurrently running requests or tasks never observe each
// other's identifier. Crossing an asynchronous boundary (spawned goroutine,
// queued work item) must explicitly carry the id — the taskq package copies
// it into outgoing jobs and rebinds it on the worker side.
package tracectx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

var traceIDKey contextKey

// Generate returns a fresh globally-unique trace identifier.
func Generate() string {
	return uuid.New().String()
}

// With returns a context carrying the given trace id.
func With(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// From returns the trace id bound to ctx, or "" when none is bound.
func From(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx with a trace id bound, generating one if needed,
// along with the effective id.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := From(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}
