// Package wcp defines the wire types of the Worker Control Protocol.
//
// Each hako worker exposes a small HTTP server on its declared port. The
// supervisor probes GET /health; orchestrators and other agents call
// POST /invoke. Both sides of the protocol share these types.
package wcp

import (
	"encoding/json"
	"time"
)

// Worker readiness states as reported on the wire.
const (
	StateNotReady = "not_ready"
	StateReady    = "ready"
	StateFailed   = "failed"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	// KindNotReady means the worker has not reached Ready (or has failed);
	// the handler was not invoked.
	KindNotReady ErrorKind = "not_ready"
	// KindBadRequest means the request body could not be decoded.
	KindBadRequest ErrorKind = "bad_request"
	// KindOverloaded means the worker's concurrency bound was hit.
	KindOverloaded ErrorKind = "overloaded"
	// KindTimeout means the invocation exceeded the worker's per-call budget.
	KindTimeout ErrorKind = "timeout"
	// KindHandlerError means the package handler itself failed.
	KindHandlerError ErrorKind = "handler_error"
)

// InvocationRequest is the body for POST /invoke.
type InvocationRequest struct {
	// CorrelationID ties the request to its result. The worker generates
	// one when the caller leaves it empty.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Input is the opaque payload forwarded to the package handler.
	Input json.RawMessage `json:"input"`

	// Metadata carries optional caller-supplied key-value pairs. It is not
	// interpreted by the worker.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InvocationError is the structured failure half of an InvocationResult.
type InvocationError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// InvocationResult is returned by POST /invoke. Exactly one of Output or
// Error is set.
type InvocationResult struct {
	CorrelationID string           `json:"correlation_id,omitempty"`
	Output        json.RawMessage  `json:"output,omitempty"`
	Error         *InvocationError `json:"error,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	// OK is true iff the worker is Ready.
	OK bool `json:"ok"`
	// State is one of StateNotReady, StateReady, StateFailed.
	State string `json:"state"`
	// Reason is the failure class when State is "failed" (e.g. "corrupt").
	// It never carries raw error detail.
	Reason string `json:"reason,omitempty"`
	// AgentID is the worker's supervisor-assigned identity.
	AgentID string `json:"agent_id"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	AgentID        string    `json:"agent_id"`
	Version        string    `json:"version"`
	State          string    `json:"state"`
	PackageName    string    `json:"package_name,omitempty"`
	PackageVersion string    `json:"package_version,omitempty"`
	PackageHash    string    `json:"package_hash,omitempty"`
	Uptime         float64   `json:"uptime_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// ErrorResponse is the generic error body for non-invoke endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
