// Package proc provides a local-process runtime adapter: each worker is a
// hako child process on the supervisor host.
package proc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
)

// DefaultStopGrace is how long to wait after SIGTERM before SIGKILL.
const DefaultStopGrace = 10 * time.Second

// worker tracks one spawned child process.
type worker struct {
	handle    runtime.WorkerHandle
	cmd       *exec.Cmd
	startedAt time.Time

	done chan struct{} // closed when the process has exited
	// Written once before done closes, read-only afterwards.
	exitCode   int
	exitErr    string
	finishedAt time.Time
}

// Adapter implements runtime.Runtime by spawning hako binaries as child
// processes. Exited workers stay listed until Remove so the supervisor can
// still read their exit status.
type Adapter struct {
	bin       string
	stopGrace time.Duration

	mu      sync.Mutex
	workers map[string]*worker // keyed by agent ID
}

// New creates a process adapter launching the given hako binary. An empty
// bin resolves "hako" from PATH.
func New(bin string, stopGrace time.Duration) *Adapter {
	if bin == "" {
		bin = "hako"
	}
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	return &Adapter{
		bin:       bin,
		stopGrace: stopGrace,
		workers:   make(map[string]*worker),
	}
}

// Spawn starts a hako process for the spec. The worker inherits the
// supervisor environment with the HAKO_* launch contract variables and
// spec.Env layered on top.
func (a *Adapter) Spawn(ctx context.Context, spec runtime.WorkerSpec) (runtime.WorkerHandle, error) {
	if spec.AgentID == "" {
		return runtime.WorkerHandle{}, fmt.Errorf("spec.AgentID is required")
	}
	if spec.PackagePath == "" {
		return runtime.WorkerHandle{}, fmt.Errorf("spec.PackagePath is required")
	}
	port := spec.Port
	if port == 0 {
		port = runtime.DefaultControlPort
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, exists := a.workers[spec.AgentID]; exists {
		select {
		case <-w.done:
			// Previous incarnation has exited; drop it and respawn.
			delete(a.workers, spec.AgentID)
		default:
			return runtime.WorkerHandle{}, fmt.Errorf("worker %s is already running", spec.AgentID)
		}
	}

	env := append(os.Environ(),
		"HAKO_AGENT_ID="+spec.AgentID,
		"HAKO_PACKAGE_PATH="+spec.PackagePath,
		"HAKO_PORT="+strconv.Itoa(port),
	)
	if spec.Token != "" {
		env = append(env, "HAKO_WCP_TOKEN="+spec.Token)
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cmd := exec.Command(a.bin)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return runtime.WorkerHandle{}, fmt.Errorf("start worker %s: %w", spec.AgentID, err)
	}

	handle := runtime.WorkerHandle{
		AgentID:    spec.AgentID,
		ID:         strconv.Itoa(cmd.Process.Pid),
		Name:       a.bin,
		ControlURL: fmt.Sprintf("http://127.0.0.1:%d", port),
	}
	w := &worker{
		handle:    handle,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	a.workers[spec.AgentID] = w

	go a.reap(w)

	slog.Info("worker process spawned",
		"agent_id", spec.AgentID,
		"pid", cmd.Process.Pid,
		"port", port,
	)
	return handle, nil
}

// reap collects the child's exit status as soon as it terminates.
func (a *Adapter) reap(w *worker) {
	err := w.cmd.Wait()
	w.finishedAt = time.Now()
	w.exitCode = w.cmd.ProcessState.ExitCode()
	if err != nil {
		w.exitErr = err.Error()
	}
	close(w.done)
	slog.Info("worker process exited",
		"agent_id", w.handle.AgentID,
		"pid", w.cmd.Process.Pid,
		"exit_code", w.exitCode,
	)
}

// Stop sends SIGTERM, waits for the grace period, then SIGKILLs.
func (a *Adapter) Stop(ctx context.Context, handle runtime.WorkerHandle) error {
	w, err := a.lookup(handle)
	if err != nil {
		return err
	}

	select {
	case <-w.done:
		return nil // already exited
	default:
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal worker %s: %w", handle.AgentID, err)
	}

	select {
	case <-w.done:
		return nil
	case <-time.After(a.stopGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	slog.Warn("worker ignored SIGTERM, killing", "agent_id", handle.AgentID)
	if err := w.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker %s: %w", handle.AgentID, err)
	}
	<-w.done
	return nil
}

// Status reports whether the worker is still running and, once exited, its
// exit code.
func (a *Adapter) Status(ctx context.Context, handle runtime.WorkerHandle) (runtime.Status, error) {
	w, err := a.lookup(handle)
	if err != nil {
		return runtime.Status{
			AgentID: handle.AgentID,
			ID:      handle.ID,
			State:   runtime.StateUnknown,
		}, nil
	}

	st := runtime.Status{
		AgentID:   w.handle.AgentID,
		ID:        w.handle.ID,
		StartedAt: w.startedAt,
	}
	select {
	case <-w.done:
		st.State = runtime.StateExited
		st.FinishedAt = w.finishedAt
		st.ExitCode = w.exitCode
		st.Error = w.exitErr
	default:
		st.State = runtime.StateRunning
	}
	return st, nil
}

// Wait blocks until the worker exits.
func (a *Adapter) Wait(ctx context.Context, handle runtime.WorkerHandle) (runtime.ExitStatus, error) {
	w, err := a.lookup(handle)
	if err != nil {
		return runtime.ExitStatus{}, err
	}
	select {
	case <-w.done:
		return runtime.ExitStatus{Code: w.exitCode}, nil
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
}

// List returns handles for all tracked workers, running or exited.
func (a *Adapter) List(ctx context.Context) ([]runtime.WorkerHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	handles := make([]runtime.WorkerHandle, 0, len(a.workers))
	for _, w := range a.workers {
		handles = append(handles, w.handle)
	}
	return handles, nil
}

// Remove stops the worker if needed and forgets it.
func (a *Adapter) Remove(ctx context.Context, handle runtime.WorkerHandle) error {
	w, err := a.lookup(handle)
	if err != nil {
		return nil // already gone
	}

	select {
	case <-w.done:
	default:
		if stopErr := a.Stop(ctx, handle); stopErr != nil {
			return stopErr
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.workers[handle.AgentID]; ok && cur == w {
		delete(a.workers, handle.AgentID)
	}
	return nil
}

func (a *Adapter) lookup(handle runtime.WorkerHandle) (*worker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[handle.AgentID]
	if !ok {
		return nil, fmt.Errorf("unknown worker %s", handle.AgentID)
	}
	return w, nil
}
