package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
)

// ReconcilerConfig configures the drift-detection loop.
type ReconcilerConfig struct {
	// Interval is how often to compare backend state with the store.
	// Defaults to 30s.
	Interval time.Duration
	// AlertFunc is called when an unexpected state change is detected.
	// If nil, issues are only logged.
	AlertFunc func(agentID, message string)
}

// Reconciler periodically syncs backend worker state into the workers table.
// The per-worker monitors handle the fast path; the reconciler catches what
// they miss, such as a backend resource vanishing out from under a monitor.
type Reconciler struct {
	runtime runtime.Runtime
	store   *store.Store
	supv    *Supervisor
	cfg     ReconcilerConfig
}

// NewReconciler creates a new Reconciler.
func NewReconciler(rt runtime.Runtime, s *store.Store, supv *Supervisor, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{runtime: rt, store: s, supv: supv, cfg: cfg}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Warn("reconcile pass failed", "err", err)
			}
		}
	}
}

// Reconcile runs a single reconciliation pass. It lists all managed backend
// workers, compares with the store, and flags drift.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		return nil
	}

	handles, err := r.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("list backend workers: %w", err)
	}

	handleMap := make(map[string]runtime.WorkerHandle, len(handles))
	for _, h := range handles {
		handleMap[h.AgentID] = h
	}

	for _, w := range workers {
		// Terminal records need no backend.
		if w.Status == store.StatusStopped || w.Status == store.StatusFailed {
			continue
		}

		handle, found := handleMap[w.AgentID]
		if !found {
			// A supervised worker without a backend resource means the
			// backend lost it (or an operator removed it by hand).
			if w.Status == store.StatusRunning && !r.supv.Running(w.AgentID) {
				slog.Warn("worker backend missing, marking failed", "agent_id", w.AgentID)
				r.store.UpdateWorkerStatus(ctx, w.AgentID, store.StatusFailed)
				r.alert(w.AgentID, "backend resource missing; expected running")
			}
			continue
		}

		status, err := r.runtime.Status(ctx, handle)
		if err != nil {
			slog.Warn("reconcile status probe failed", "agent_id", w.AgentID, "err", err)
			continue
		}

		// An exited backend for a worker nobody supervises is drift: the
		// monitors never saw it die.
		if status.State != runtime.StateRunning && w.Status == store.StatusRunning && !r.supv.Running(w.AgentID) {
			slog.Warn("worker exited without supervision",
				"agent_id", w.AgentID,
				"exit_code", status.ExitCode,
			)
			r.store.UpdateWorkerStatus(ctx, w.AgentID, store.StatusFailed)
			r.alert(w.AgentID, fmt.Sprintf("exited unsupervised (exit_code=%d)", status.ExitCode))
		}
	}

	return nil
}

func (r *Reconciler) alert(agentID, message string) {
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(agentID, message)
	} else {
		slog.Warn("reconciler alert", "agent_id", agentID, "message", message)
	}
}
