// Package runtime defines the Runtime interface for worker lifecycle
// management.
package runtime

import "context"

// Runtime abstracts the isolation backend a worker runs in (local process,
// Docker container). There is deliberately no Start or Restart: a worker's
// readiness is per-incarnation, so recovery always goes through a fresh
// Spawn.
type Runtime interface {
	// Spawn creates and starts a new worker from the given spec. Returns a
	// handle identifying the running worker.
	Spawn(ctx context.Context, spec WorkerSpec) (WorkerHandle, error)

	// Stop gracefully stops the worker (SIGTERM, then SIGKILL after the
	// grace period).
	Stop(ctx context.Context, handle WorkerHandle) error

	// Status returns the current runtime status of a worker.
	Status(ctx context.Context, handle WorkerHandle) (Status, error)

	// Wait blocks until the worker exits and returns its exit status. It is
	// safe to call from a dedicated goroutine per worker.
	Wait(ctx context.Context, handle WorkerHandle) (ExitStatus, error)

	// List returns handles for all workers managed by this runtime,
	// including exited ones that have not been removed yet.
	List(ctx context.Context) ([]WorkerHandle, error)

	// Remove releases all backend resources held for the worker. Use after
	// the worker record is deleted.
	Remove(ctx context.Context, handle WorkerHandle) error
}
