package adapter

import (
	"fmt"
	"net/http"

	"github.com/traceflow/traceflow/internal/model"
	"github.com/traceflow/traceflow/internal/tracectx"
)

// TraceHeader carries the trace id across HTTP hops.
const TraceHeader = "X-Trace-ID"

// HTTPMiddleware propagates the trace id through inbound requests and
// captures a request event pair. An incoming X-Trace-ID joins the caller's
// trace; otherwise a fresh id starts one. The id is echoed on the response
// so clients can follow up with timeline queries.
func HTTPMiddleware(rec *Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = tracectx.Generate()
			}
			ctx := tracectx.With(r.Context(), traceID)
			w.Header().Set(TraceHeader, traceID)

			rec.Capture(ctx, "http.request", model.SeverityInfo,
				fmt.Sprintf("%s %s", r.Method, r.URL.Path))

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			sev := model.SeverityInfo
			if sw.status >= 500 {
				sev = model.SeverityError
			} else if sw.status >= 400 {
				sev = model.SeverityWarning
			}
			rec.Capture(ctx, "http.response", sev,
				fmt.Sprintf("%s %s -> %d", r.Method, r.URL.Path, sw.status))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
