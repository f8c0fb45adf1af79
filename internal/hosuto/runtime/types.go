// Package runtime defines shared types for the worker runtime abstraction.
package runtime

import "time"

// WorkerSpec describes how a worker should be created.
type WorkerSpec struct {
	// AgentID is the unique worker identifier.
	AgentID string
	// PackagePath is the agent package artifact passed to the worker
	// (directory or archive). For the docker backend it must be visible
	// inside the container (mounted or baked into the image).
	PackagePath string
	// Port is the WCP port the worker listens on.
	Port int
	// Token is the WCP bearer token injected into the worker, empty for
	// open access.
	Token string
	// Env holds additional environment variables for the worker.
	Env map[string]string
	// Image is the worker image (docker backend only).
	Image string
	// NetworkName is the Docker network to attach (docker backend only).
	NetworkName string
}

// WorkerHandle identifies a running or exited worker.
type WorkerHandle struct {
	// AgentID is the logical worker ID (matches workers.agent_id in the DB).
	AgentID string
	// ID is the backend identifier: the PID for the process backend, the
	// container ID for docker.
	ID string
	// Name is the backend display name (container name, or the binary name
	// for processes).
	Name string
	// ControlURL is the base URL for WCP calls (e.g. "http://127.0.0.1:8701").
	ControlURL string
}

// WorkerState classifies a worker's runtime state.
type WorkerState string

const (
	StateRunning WorkerState = "running"
	StateExited  WorkerState = "exited"
	StateUnknown WorkerState = "unknown"
)

// Status holds live worker status information.
type Status struct {
	AgentID    string
	ID         string
	State      WorkerState
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Error      string
}

// ExitStatus is the result of waiting for a worker to exit.
type ExitStatus struct {
	// Code is the process exit code. 0 means a clean, unrequested stop;
	// non-zero means a crash.
	Code int
}

// DefaultControlPort is the WCP port workers listen on when none is assigned.
const DefaultControlPort = 8700

// DefaultNetwork is the Docker network workers are attached to.
const DefaultNetwork = "hosuto"

// ContainerNameFor returns the Docker container name for a worker.
func ContainerNameFor(agentID string) string {
	return "hosuto-worker-" + agentID
}
