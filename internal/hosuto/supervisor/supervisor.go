// Package supervisor manages the lifecycle of hako workers: spawning,
// health monitoring, bounded crash restarts, and teardown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	wcpspec "github.com/bdobrica/Hosuto/common/spec/wcp"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
	"github.com/bdobrica/Hosuto/internal/hosuto/wcp"
)

var (
	// ErrAlreadyRunning is returned by Start when the worker is already
	// supervised.
	ErrAlreadyRunning = errors.New("worker already running")
	// ErrNotFound is returned when no supervised worker matches the ID.
	ErrNotFound = errors.New("worker not supervised")
)

// Policy bounds crash recovery. The zero value selects the defaults.
type Policy struct {
	// MaxRestarts is how many restarts a worker gets before it is marked
	// permanently failed. Defaults to 5.
	MaxRestarts int
	// RestartDelay is the wait before the first restart; it doubles on each
	// subsequent restart. Defaults to 2s.
	RestartDelay time.Duration
	// RestartMaxDelay caps the doubling. Defaults to 1m.
	RestartMaxDelay time.Duration
	// FailedGrace is how long a worker may report failed health before the
	// supervisor recycles it. Defaults to 30s.
	FailedGrace time.Duration
	// ProbeInterval is the health polling period. Defaults to 5s.
	ProbeInterval time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRestarts == 0 {
		p.MaxRestarts = 5
	}
	if p.RestartDelay <= 0 {
		p.RestartDelay = 2 * time.Second
	}
	if p.RestartMaxDelay <= 0 {
		p.RestartMaxDelay = time.Minute
	}
	if p.FailedGrace <= 0 {
		p.FailedGrace = 30 * time.Second
	}
	if p.ProbeInterval <= 0 {
		p.ProbeInterval = 5 * time.Second
	}
	return p
}

// AlertFunc is called when a worker is marked permanently failed or
// otherwise needs operator attention.
type AlertFunc func(agentID, message string)

// clientFactory builds a WCP client for a spawned worker; replaceable in
// tests.
type clientFactory func(baseURL, token string) healthProber

// healthProber is the slice of the WCP client the monitor needs.
type healthProber interface {
	Health(ctx context.Context) (*wcpspec.HealthResponse, error)
}

// record tracks one supervised worker.
type record struct {
	spec runtime.WorkerSpec

	cancel   context.CancelFunc // stops the monitor
	doneCh   chan struct{}      // closed when the monitor returns
	restarts int

	mu            sync.Mutex
	handle        runtime.WorkerHandle // current incarnation; replaced on respawn
	stopRequested bool
}

func (r *record) markStopRequested() {
	r.mu.Lock()
	r.stopRequested = true
	r.mu.Unlock()
}

func (r *record) isStopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *record) setHandle(h runtime.WorkerHandle) {
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
}

func (r *record) currentHandle() runtime.WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Supervisor owns all worker lifecycles on this host.
type Supervisor struct {
	rt        runtime.Runtime
	db        *store.Store
	policy    Policy
	alertFunc AlertFunc
	newClient clientFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	records map[string]*record
}

// New creates a Supervisor. alert may be nil, in which case alerts are only
// logged.
func New(rt runtime.Runtime, db *store.Store, policy Policy, alert AlertFunc) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		rt:        rt,
		db:        db,
		policy:    policy.withDefaults(),
		alertFunc: alert,
		newClient: func(baseURL, token string) healthProber {
			return wcp.New(baseURL, token)
		},
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]*record),
	}
}

// Start spawns a worker for the spec and begins monitoring it. The worker
// record must already exist in the store.
func (s *Supervisor) Start(ctx context.Context, spec runtime.WorkerSpec) error {
	s.mu.Lock()
	if _, exists := s.records[spec.AgentID]; exists {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	rec := &record{spec: spec, doneCh: make(chan struct{})}
	s.records[spec.AgentID] = rec
	s.mu.Unlock()

	if err := s.spawn(ctx, rec); err != nil {
		s.mu.Lock()
		delete(s.records, spec.AgentID)
		s.mu.Unlock()
		close(rec.doneCh)
		return err
	}
	return nil
}

// spawn launches one incarnation and its monitor goroutine. Called for the
// initial start and for every restart.
func (s *Supervisor) spawn(ctx context.Context, rec *record) error {
	handle, err := s.rt.Spawn(ctx, rec.spec)
	if err != nil {
		s.db.UpdateWorkerStatus(ctx, rec.spec.AgentID, store.StatusFailed)
		return fmt.Errorf("spawn worker %s: %w", rec.spec.AgentID, err)
	}
	rec.setHandle(handle)

	s.db.UpdateWorkerHandle(ctx, rec.spec.AgentID, handle.ID, handle.ControlURL)
	s.db.UpdateWorkerStatus(ctx, rec.spec.AgentID, store.StatusStarting)
	s.db.UpdateWorkerReadiness(ctx, rec.spec.AgentID, "not_ready", "")

	monCtx, monCancel := context.WithCancel(s.ctx)
	rec.cancel = monCancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(monCtx, rec)
	}()
	return nil
}

// Stop gracefully stops a supervised worker. The record stays in the store
// with status stopped.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	rec, err := s.lookup(agentID)
	if err != nil {
		return err
	}

	rec.markStopRequested()
	// Re-read the handle after marking the stop: the monitor may have
	// respawned since the caller looked the worker up.
	if err := s.rt.Stop(ctx, rec.currentHandle()); err != nil {
		slog.Warn("stop worker", "agent_id", agentID, "err", err)
	}

	// Wait for the monitor to observe the exit and finish bookkeeping.
	select {
	case <-rec.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.forget(agentID, rec)
	return nil
}

// Remove stops the worker if needed and releases its runtime resources.
func (s *Supervisor) Remove(ctx context.Context, agentID string) error {
	rec, err := s.lookup(agentID)
	if err == nil {
		if stopErr := s.Stop(ctx, agentID); stopErr != nil && !errors.Is(stopErr, ErrNotFound) {
			return stopErr
		}
		return s.rt.Remove(ctx, rec.currentHandle())
	}

	// Not supervised; still try to clean up a leftover backend resource.
	w, dbErr := s.db.GetWorker(ctx, agentID)
	if dbErr != nil || !w.HandleID.Valid {
		return nil
	}
	return s.rt.Remove(ctx, runtime.WorkerHandle{AgentID: agentID, ID: w.HandleID.String})
}

// Running reports whether the worker is currently supervised.
func (s *Supervisor) Running(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[agentID]
	return ok
}

// Handle returns the runtime handle of a supervised worker.
func (s *Supervisor) Handle(agentID string) (runtime.WorkerHandle, error) {
	rec, err := s.lookup(agentID)
	if err != nil {
		return runtime.WorkerHandle{}, err
	}
	return rec.currentHandle(), nil
}

// Shutdown stops all monitors and gracefully stops every worker.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	agentIDs := make([]string, 0, len(s.records))
	for id := range s.records {
		agentIDs = append(agentIDs, id)
	}
	s.mu.Unlock()

	for _, id := range agentIDs {
		if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("shutdown: stop worker", "agent_id", id, "err", err)
		}
	}

	s.cancel()
	s.wg.Wait()
}

// --- helpers ---

func (s *Supervisor) lookup(agentID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *Supervisor) forget(agentID string, rec *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[agentID]; ok && cur == rec {
		delete(s.records, agentID)
	}
}

func (s *Supervisor) alert(agentID, message string) {
	if s.alertFunc != nil {
		s.alertFunc(agentID, message)
		return
	}
	slog.Warn("supervisor alert", "agent_id", agentID, "message", message)
}
