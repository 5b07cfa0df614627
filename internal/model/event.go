package model

import (
	"time"
)

// Severity classifies an event's importance.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ValidSeverity reports whether s is one of the recognized severities.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Well-known producing subsystems. System is an open set; these are the
// labels the bundled adapters emit.
const (
	SystemBackend  = "backend"
	SystemWorker   = "worker"
	SystemDatabase = "database"
)

// RawEvent is the loose, untyped payload accepted at the capture boundary.
// The normalizer is the only place that converts it into an Event; looseness
// must not leak past that boundary.
type RawEvent map[string]any

// Event is the atomic unit of observation. Append-only: once accepted and
// persisted it is never mutated.
//
// ID is the global acceptance sequence number assigned by the hub. It is the
// sole total order across the system; Timestamp is producer-supplied, may be
// skewed across producers, and is used only for displayed durations.
type Event struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	System    string    `json:"system"`
	EventType string    `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Optional diagnostic payload.
	File        string            `json:"file,omitempty"`
	Line        int               `json:"line,omitempty"`
	Source      string            `json:"source,omitempty"`
	Locals      map[string]string `json:"locals,omitempty"`
	Stacktrace  []string          `json:"stacktrace,omitempty"`
	Response    string            `json:"response,omitempty"`
	Details     string            `json:"details,omitempty"`
	Environment string            `json:"environment,omitempty"`
}

// IsError reports whether the event carries error severity.
func (e Event) IsError() bool {
	return e.Severity == SeverityError
}

// Stage is a maximal contiguous run of same-system events within a trace's
// id-ordered event sequence. Derived by the timeline aggregator, never stored.
type Stage struct {
	System     string    `json:"system"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"` // "success" or "error"
	EventCount int       `json:"event_count"`
	Events     []Event   `json:"events"`
}

// Stage status values.
const (
	StageSuccess = "success"
	StageError   = "error"
)

// Timeline is the reconstructed per-trace execution record.
type Timeline struct {
	TraceID         string  `json:"trace_id"`
	Stages          []Stage `json:"stages"`
	TotalStages     int     `json:"total_stages"`
	HasErrors       bool    `json:"has_errors"`
	TotalDurationMs float64 `json:"total_duration_ms"`
}

// TraceSummary describes one recently active trace for the listing endpoint.
type TraceSummary struct {
	TraceID     string    `json:"trace_id"`
	System      string    `json:"system"`
	EventType   string    `json:"event_type"`
	EventCount  int       `json:"event_count"`
	LatestAt    time.Time `json:"latest_timestamp"`
	LatestEvent Event     `json:"latest_event"`
}
