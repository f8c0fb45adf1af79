package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hosuto/common/retry"
	"github.com/bdobrica/Hosuto/common/spec/wcp"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
	"github.com/google/uuid"
)

// probeTimeout bounds one health probe round trip.
const probeTimeout = 3 * time.Second

// maxWaitFailures is how many consecutive runtime.Wait errors the exit
// watcher tolerates before the incarnation is written off as crashed.
const maxWaitFailures = 3

// incarnationOutcome describes why one worker incarnation ended.
type incarnationOutcome struct {
	// exited is true when the worker process terminated on its own.
	exited   bool
	exitCode int
	// recycled is true when the supervisor killed the worker because it
	// reported failed health beyond the grace period.
	recycled bool
	reason   string
	// ctxDone is true when supervision was cancelled.
	ctxDone bool
}

// monitor supervises a worker across incarnations: it watches each one until
// exit or health failure, applies the restart policy, and respawns. Returns
// when the worker stops cleanly, stop is requested, or the restart budget is
// spent.
func (s *Supervisor) monitor(ctx context.Context, rec *record) {
	defer close(rec.doneCh)
	agentID := rec.spec.AgentID

	for {
		outcome := s.superviseIncarnation(ctx, rec)

		if outcome.ctxDone || rec.isStopRequested() {
			s.db.UpdateWorkerStatus(context.Background(), agentID, store.StatusStopped)
			s.db.UpdateWorkerReadiness(context.Background(), agentID, "not_ready", "")
			return
		}

		// Unrequested clean exit: the package decided it was done. Record
		// stopped and leave it alone.
		if outcome.exited && outcome.exitCode == 0 {
			slog.Info("worker exited cleanly", "agent_id", agentID)
			s.db.UpdateWorkerStatus(ctx, agentID, store.StatusStopped)
			s.db.UpdateWorkerReadiness(ctx, agentID, "not_ready", "")
			s.forget(agentID, rec)
			return
		}

		// Crash or health recycle: this consumes restart budget.
		rec.restarts++
		reason := outcome.reason
		if reason == "" {
			reason = fmt.Sprintf("exit code %d", outcome.exitCode)
		}

		if rec.restarts > s.policy.MaxRestarts {
			slog.Error("worker exceeded restart budget",
				"agent_id", agentID,
				"restarts", rec.restarts-1,
				"reason", reason,
			)
			s.db.UpdateWorkerStatus(ctx, agentID, store.StatusFailed)
			s.alert(agentID, fmt.Sprintf("permanently failed after %d restarts (%s)", rec.restarts-1, reason))
			s.forget(agentID, rec)
			return
		}

		ev := &store.RestartEvent{
			ID:      uuid.NewString(),
			AgentID: agentID,
			Reason:  reason,
			Attempt: rec.restarts,
		}
		if outcome.exited {
			ev.ExitCode = sql.NullInt64{Int64: int64(outcome.exitCode), Valid: true}
		}
		if err := s.db.RecordRestart(ctx, ev); err != nil {
			slog.Warn("record restart", "agent_id", agentID, "err", err)
		}

		cause := "crash"
		if outcome.recycled {
			cause = "health recycle"
		}
		delay := s.restartDelay(rec.restarts)
		slog.Info("restarting worker",
			"agent_id", agentID,
			"attempt", rec.restarts,
			"max", s.policy.MaxRestarts,
			"delay", delay,
			"cause", cause,
			"reason", reason,
		)
		select {
		case <-ctx.Done():
			s.db.UpdateWorkerStatus(context.Background(), agentID, store.StatusStopped)
			return
		case <-time.After(delay):
		}

		// A stop requested during the backoff sleep targeted the dead
		// incarnation; honor it instead of respawning.
		if rec.isStopRequested() {
			s.db.UpdateWorkerStatus(context.Background(), agentID, store.StatusStopped)
			s.db.UpdateWorkerReadiness(context.Background(), agentID, "not_ready", "")
			return
		}

		handle, err := s.rt.Spawn(ctx, rec.spec)
		if err != nil {
			// A failed respawn counts like a crash on the next loop turn.
			slog.Error("respawn failed", "agent_id", agentID, "err", err)
			continue
		}
		rec.setHandle(handle)
		s.db.UpdateWorkerHandle(ctx, agentID, handle.ID, handle.ControlURL)
		s.db.UpdateWorkerStatus(ctx, agentID, store.StatusStarting)
		s.db.UpdateWorkerReadiness(ctx, agentID, "not_ready", "")

		// A stop that raced the respawn saw the old handle; take down the
		// fresh incarnation so the next loop turn records the stop.
		if rec.isStopRequested() {
			if err := s.rt.Stop(ctx, handle); err != nil {
				slog.Warn("stop respawned worker", "agent_id", agentID, "err", err)
			}
		}
	}
}

// superviseIncarnation watches one incarnation until it exits, fails health
// beyond the grace period, or supervision is cancelled.
func (s *Supervisor) superviseIncarnation(ctx context.Context, rec *record) incarnationOutcome {
	agentID := rec.spec.AgentID
	handle := rec.currentHandle()

	// Non-context Wait errors (a flaky backend, a container removed out of
	// band) are retried; without an exit signal the monitor would never see
	// this incarnation die. Persistent failure is surfaced as a crash.
	exitCh := make(chan runtime.ExitStatus, 1)
	waitFailCh := make(chan error, 1)
	go func() {
		var failures int
		for {
			status, err := s.rt.Wait(ctx, handle)
			if err == nil {
				exitCh <- status
				return
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxWaitFailures {
				waitFailCh <- err
				return
			}
			slog.Warn("wait for worker exit failed, retrying",
				"agent_id", agentID, "attempt", failures, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.policy.ProbeInterval):
			}
		}
	}()

	prober := s.newClient(handle.ControlURL, rec.spec.Token)

	// Probe eagerly right after spawn so readiness lands in the store as
	// soon as the worker's listener is up, instead of a full tick later.
	s.initialProbe(ctx, agentID, prober)

	ticker := time.NewTicker(s.policy.ProbeInterval)
	defer ticker.Stop()

	var failedSince time.Time

	for {
		select {
		case <-ctx.Done():
			return incarnationOutcome{ctxDone: true}

		case status := <-exitCh:
			return incarnationOutcome{exited: true, exitCode: status.Code}

		case err := <-waitFailCh:
			// The backend may still be running the worker; stop it so the
			// respawn does not collide with a live incarnation.
			if stopErr := s.rt.Stop(ctx, handle); stopErr != nil {
				slog.Warn("stop unwatchable worker", "agent_id", agentID, "err", stopErr)
			}
			return incarnationOutcome{reason: fmt.Sprintf("runtime wait failed: %v", err)}

		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			health, err := prober.Health(probeCtx)
			cancel()
			if err != nil {
				// Transport failures during startup are normal; a dead
				// worker is caught by the exit watcher.
				slog.Debug("health probe failed", "agent_id", agentID, "err", err)
				continue
			}

			switch health.State {
			case wcp.StateReady:
				failedSince = time.Time{}
				s.db.UpdateWorkerReadiness(ctx, agentID, health.State, "")
				s.db.UpdateWorkerStatus(ctx, agentID, store.StatusRunning)
				s.db.UpdateWorkerLastSeen(ctx, agentID)

			case wcp.StateFailed:
				s.db.UpdateWorkerReadiness(ctx, agentID, health.State, health.Reason)
				if failedSince.IsZero() {
					failedSince = time.Now()
					slog.Warn("worker reports failed health",
						"agent_id", agentID,
						"reason", health.Reason,
						"grace", s.policy.FailedGrace,
					)
				}
				if time.Since(failedSince) >= s.policy.FailedGrace {
					if err := s.rt.Stop(ctx, handle); err != nil {
						slog.Warn("stop failed worker", "agent_id", agentID, "err", err)
					}
					// Drain the exit so the backend can reap the worker.
					select {
					case <-exitCh:
					case <-ctx.Done():
						return incarnationOutcome{ctxDone: true}
					}
					return incarnationOutcome{recycled: true, reason: "failed health: " + health.Reason}
				}

			default:
				s.db.UpdateWorkerReadiness(ctx, agentID, health.State, "")
			}
		}
	}
}

// initialProbe polls the fresh worker until its WCP listener answers, then
// records the first observed readiness. Failures here are not fatal; the
// regular probe ticker takes over either way.
func (s *Supervisor) initialProbe(ctx context.Context, agentID string, prober healthProber) {
	var health *wcp.HealthResponse
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		var perr error
		health, perr = prober.Health(probeCtx)
		return perr
	})
	if err != nil {
		slog.Debug("initial health probe failed", "agent_id", agentID, "err", err)
		return
	}

	s.db.UpdateWorkerReadiness(ctx, agentID, health.State, health.Reason)
	if health.State == wcp.StateReady {
		s.db.UpdateWorkerStatus(ctx, agentID, store.StatusRunning)
		s.db.UpdateWorkerLastSeen(ctx, agentID)
	}
}

// restartDelay doubles the base delay per attempt, capped by the policy.
func (s *Supervisor) restartDelay(attempt int) time.Duration {
	delay := s.policy.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.policy.RestartMaxDelay {
			return s.policy.RestartMaxDelay
		}
	}
	if delay > s.policy.RestartMaxDelay {
		delay = s.policy.RestartMaxDelay
	}
	return delay
}
