package model

import "time"

// TraceResponse is the body for GET /api/traces/{trace_id}.
// Events is never null: an unknown trace id yields an empty array, since
// "no events yet" and "will never have events" are indistinguishable.
type TraceResponse struct {
	TraceID string  `json:"trace_id"`
	Events  []Event `json:"events"`
}

// IngestResponse is the body for POST /api/events.
type IngestResponse struct {
	ID      int64  `json:"id"`
	TraceID string `json:"trace_id"`
}

// RecentTracesResponse is the body for GET /api/traces.
type RecentTracesResponse struct {
	Traces []TraceSummary `json:"traces"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Store       string `json:"store"`
	QueueDepth  int    `json:"queue_depth"`
	QueueStatus string `json:"queue_status"` // "ok", "high", "critical"
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}

// APIError is the error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains request metadata included in every error response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error code constants for the HTTP API.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeOverloaded    = "OVERLOADED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)
