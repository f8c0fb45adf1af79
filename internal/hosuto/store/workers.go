package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWorkerNotFound is returned when a worker record does not exist.
var ErrWorkerNotFound = errors.New("worker not found")

// Worker lifecycle statuses as recorded by the supervisor.
const (
	StatusStarting = "starting" // spawned, waiting for readiness
	StatusRunning  = "running"  // worker reported ready
	StatusFailed   = "failed"   // worker failed; restart budget may apply
	StatusStopped  = "stopped"  // stopped on request or clean exit
)

// Worker represents a managed worker in the database
type Worker struct {
	AgentID         string
	PackagePath     string
	Status          string
	Readiness       string
	ReadinessReason sql.NullString
	Port            int
	HandleID        sql.NullString
	ControlURL      sql.NullString
	// WCPToken is the bearer token hosuto sends on every WCP request to this
	// worker. It is generated at creation time and injected into the worker's
	// environment. NULL means authentication is disabled (dev/test mode).
	WCPToken     sql.NullString
	RestartCount int
	LastSeen     sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RestartEvent is one entry in a worker's restart history.
type RestartEvent struct {
	ID         string
	AgentID    string
	Reason     string
	ExitCode   sql.NullInt64
	Attempt    int
	OccurredAt time.Time
}

const workerColumns = `agent_id, package_path, status, readiness, readiness_reason,
	       port, handle_id, control_url, wcp_token, restart_count, last_seen,
	       created_at, updated_at`

// CreateWorker inserts a new worker
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	w.CreatedAt = time.Now()
	w.UpdatedAt = time.Now()
	if w.Status == "" {
		w.Status = StatusStarting
	}
	if w.Readiness == "" {
		w.Readiness = "not_ready"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (agent_id, package_path, status, readiness, readiness_reason,
			port, handle_id, control_url, wcp_token, restart_count, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.AgentID, w.PackagePath, w.Status, w.Readiness, w.ReadinessReason,
		w.Port, w.HandleID, w.ControlURL, w.WCPToken, w.RestartCount, w.LastSeen,
		w.CreatedAt, w.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by agent ID
func (s *Store) GetWorker(ctx context.Context, agentID string) (*Worker, error) {
	w := &Worker{}
	err := s.db.QueryRowContext(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		WHERE agent_id = ?
	`, agentID).Scan(
		&w.AgentID, &w.PackagePath, &w.Status, &w.Readiness, &w.ReadinessReason,
		&w.Port, &w.HandleID, &w.ControlURL, &w.WCPToken, &w.RestartCount,
		&w.LastSeen, &w.CreatedAt, &w.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM workers
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		err := rows.Scan(
			&w.AgentID, &w.PackagePath, &w.Status, &w.Readiness, &w.ReadinessReason,
			&w.Port, &w.HandleID, &w.ControlURL, &w.WCPToken, &w.RestartCount,
			&w.LastSeen, &w.CreatedAt, &w.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// WorkerCount returns the total number of worker records.
func (s *Store) WorkerCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return count, nil
}

// UpdateWorkerStatus updates a worker's lifecycle status
func (s *Store) UpdateWorkerStatus(ctx context.Context, agentID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET status = ?, updated_at = ?
		WHERE agent_id = ?
	`, status, time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}
	return checkAffected(result)
}

// UpdateWorkerReadiness records the worker's last observed readiness state.
func (s *Store) UpdateWorkerReadiness(ctx context.Context, agentID, readiness, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET readiness = ?, readiness_reason = ?, updated_at = ?
		WHERE agent_id = ?
	`, readiness, nullString(reason), time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update worker readiness: %w", err)
	}
	return checkAffected(result)
}

// UpdateWorkerHandle records the runtime handle of the current incarnation.
func (s *Store) UpdateWorkerHandle(ctx context.Context, agentID, handleID, controlURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET handle_id = ?, control_url = ?, updated_at = ?
		WHERE agent_id = ?
	`, nullString(handleID), nullString(controlURL), time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update worker handle: %w", err)
	}
	return checkAffected(result)
}

// UpdateWorkerLastSeen stamps the worker as recently observed healthy.
func (s *Store) UpdateWorkerLastSeen(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET last_seen = ?, updated_at = ?
		WHERE agent_id = ?
	`, time.Now(), time.Now(), agentID)
	if err != nil {
		return fmt.Errorf("failed to update worker last_seen: %w", err)
	}
	return checkAffected(result)
}

// DeleteWorker removes a worker and, via cascade, its restart history.
func (s *Store) DeleteWorker(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	return checkAffected(result)
}

// SweepStaleWorkers marks workers recorded as starting or running from a
// previous supervisor run as stopped. Call once on startup, before spawning
// anything.
func (s *Store) SweepStaleWorkers(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workers
		SET status = ?, readiness = 'not_ready', readiness_reason = NULL,
		    handle_id = NULL, control_url = NULL, updated_at = ?
		WHERE status IN (?, ?)
	`, StatusStopped, time.Now(), StatusStarting, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale workers: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// RecordRestart appends a restart event and bumps the worker's counter.
func (s *Store) RecordRestart(ctx context.Context, ev *RestartEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin restart tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO restart_events (id, agent_id, reason, exit_code, attempt, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.AgentID, ev.Reason, ev.ExitCode, ev.Attempt, ev.OccurredAt); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record restart: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE workers SET restart_count = ?, updated_at = ? WHERE agent_id = ?
	`, ev.Attempt, time.Now(), ev.AgentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to bump restart count: %w", err)
	}

	return tx.Commit()
}

// ListRestartEvents returns a worker's restart history, oldest first.
func (s *Store) ListRestartEvents(ctx context.Context, agentID string) ([]*RestartEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, reason, exit_code, attempt, occurred_at
		FROM restart_events
		WHERE agent_id = ?
		ORDER BY occurred_at ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list restart events: %w", err)
	}
	defer rows.Close()

	var events []*RestartEvent
	for rows.Next() {
		ev := &RestartEvent{}
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Reason, &ev.ExitCode, &ev.Attempt, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan restart event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating restart events: %w", err)
	}
	return events, nil
}

// --- helpers ---

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
