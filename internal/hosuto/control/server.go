// Package control exposes the supervisor's admin HTTP API: worker CRUD and
// the restart audit trail. Invocation traffic never flows through here; it
// goes straight to the worker's own control port.
package control

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hosuto/common/trace"
	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
	"github.com/bdobrica/Hosuto/internal/hosuto/supervisor"
)

// Config holds options for the admin API.
type Config struct {
	// Token, when set, is required as a bearer token on every admin route.
	// Empty disables authentication (dev/test mode).
	Token string
}

// RouteRegistrar is satisfied by *http.ServeMux and by app.HealthServer, so
// the admin routes can be mounted without importing the app package.
type RouteRegistrar interface {
	Handle(pattern string, handler http.Handler)
}

// workerManager is the slice of the supervisor the admin API needs.
type workerManager interface {
	Start(ctx context.Context, spec runtime.WorkerSpec) error
	Stop(ctx context.Context, agentID string) error
	Remove(ctx context.Context, agentID string) error
	Running(agentID string) bool
}

// Server handles the /workers admin routes.
type Server struct {
	db      *store.Store
	workers workerManager
	cfg     Config
	idem    *idempotencyCache
}

// New creates an admin API Server backed by the given store and supervisor.
func New(db *store.Store, workers workerManager, cfg Config) *Server {
	return &Server{
		db:      db,
		workers: workers,
		cfg:     cfg,
		idem:    newIdempotencyCache(time.Hour),
	}
}

// RegisterRoutes mounts the admin routes:
//
//   - POST   /workers              — create a worker and start supervising it.
//   - GET    /workers              — list all worker records.
//   - GET    /workers/{id}         — one worker record.
//   - DELETE /workers/{id}         — stop the worker and delete its record.
//   - GET    /workers/{id}/events  — the worker's restart history.
func (srv *Server) RegisterRoutes(r RouteRegistrar) {
	r.Handle("/workers", http.HandlerFunc(srv.handleWorkers))
	r.Handle("/workers/", http.HandlerFunc(srv.handleWorker))
}

// createWorkerRequest is the JSON body of POST /workers.
type createWorkerRequest struct {
	AgentID     string `json:"agent_id"`
	PackagePath string `json:"package_path"`
	// Port is the WCP port the worker will listen on. Defaults to 8700;
	// with the process runtime each worker needs a distinct port.
	Port int `json:"port,omitempty"`
}

// workerResponse is the JSON shape of a worker record.
type workerResponse struct {
	AgentID         string     `json:"agent_id"`
	PackagePath     string     `json:"package_path"`
	Status          string     `json:"status"`
	Readiness       string     `json:"readiness"`
	ReadinessReason string     `json:"readiness_reason,omitempty"`
	Port            int        `json:"port"`
	ControlURL      string     `json:"control_url,omitempty"`
	RestartCount    int        `json:"restart_count"`
	Supervised      bool       `json:"supervised"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// restartEventResponse is one entry of GET /workers/{id}/events.
type restartEventResponse struct {
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	ExitCode   *int64    `json:"exit_code,omitempty"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
}

// errorResponse is the JSON error body for admin routes.
type errorResponse struct {
	Error string `json:"error"`
}

func (srv *Server) toResponse(w *store.Worker) workerResponse {
	resp := workerResponse{
		AgentID:      w.AgentID,
		PackagePath:  w.PackagePath,
		Status:       w.Status,
		Readiness:    w.Readiness,
		Port:         w.Port,
		RestartCount: w.RestartCount,
		Supervised:   srv.workers.Running(w.AgentID),
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
	if w.ReadinessReason.Valid {
		resp.ReadinessReason = w.ReadinessReason.String
	}
	if w.ControlURL.Valid {
		resp.ControlURL = w.ControlURL.String
	}
	if w.LastSeen.Valid {
		t := w.LastSeen.Time
		resp.LastSeen = &t
	}
	return resp
}

// handleWorkers dispatches /workers (no trailing path).
func (srv *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	r = withTrace(w, r)
	if !srv.authorize(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		srv.createWorker(w, r)
	case http.MethodGet:
		srv.listWorkers(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorker dispatches /workers/{id} and /workers/{id}/events.
func (srv *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	r = withTrace(w, r)
	if !srv.authorize(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/workers/")
	agentID, sub, _ := strings.Cut(rest, "/")
	if agentID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		srv.getWorker(w, r, agentID)
	case sub == "" && r.Method == http.MethodDelete:
		srv.deleteWorker(w, r, agentID)
	case sub == "events" && r.Method == http.MethodGet:
		srv.listEvents(w, r, agentID)
	case sub == "" || sub == "events":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		http.NotFound(w, r)
	}
}

// createWorker handles POST /workers. A valid X-Idempotency-Key makes the
// call replayable: retries with the same key get the first response back.
func (srv *Server) createWorker(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey != "" {
		if code, body, ok := srv.idem.get(idemKey); ok {
			replayJSON(w, code, body)
			return
		}
	}

	var req createWorkerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.PackagePath == "" {
		writeError(w, http.StatusBadRequest, "package_path is required")
		return
	}
	if req.Port == 0 {
		req.Port = runtime.DefaultControlPort
	}

	token, err := newWorkerToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate worker token")
		return
	}

	rec := &store.Worker{
		AgentID:     req.AgentID,
		PackagePath: req.PackagePath,
		Port:        req.Port,
		WCPToken:    sql.NullString{String: token, Valid: true},
	}
	if err := srv.db.CreateWorker(r.Context(), rec); err != nil {
		// The PK collision is the common failure here.
		writeError(w, http.StatusConflict, fmt.Sprintf("worker %s already exists", req.AgentID))
		return
	}

	spec := runtime.WorkerSpec{
		AgentID:     req.AgentID,
		PackagePath: req.PackagePath,
		Port:        req.Port,
		Token:       token,
	}
	if err := srv.workers.Start(r.Context(), spec); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("start worker", "agent_id", req.AgentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start worker: "+err.Error())
		return
	}

	created, err := srv.db.GetWorker(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read back worker record")
		return
	}

	body, code := srv.toResponse(created), http.StatusCreated
	if idemKey != "" {
		if raw, err := json.Marshal(body); err == nil {
			srv.idem.put(idemKey, code, raw)
		}
	}
	writeJSON(w, code, body)
}

func (srv *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := srv.db.ListWorkers(r.Context())
	if err != nil {
		slog.Error("list workers", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}

	resp := make([]workerResponse, 0, len(workers))
	for _, rec := range workers {
		resp = append(resp, srv.toResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (srv *Server) getWorker(w http.ResponseWriter, r *http.Request, agentID string) {
	rec, err := srv.db.GetWorker(r.Context(), agentID)
	if errors.Is(err, store.ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("worker %s not found", agentID))
		return
	}
	if err != nil {
		slog.Error("get worker", "agent_id", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	writeJSON(w, http.StatusOK, srv.toResponse(rec))
}

// deleteWorker stops the worker gracefully, releases its backend resources,
// and removes the record together with its restart history.
func (srv *Server) deleteWorker(w http.ResponseWriter, r *http.Request, agentID string) {
	if _, err := srv.db.GetWorker(r.Context(), agentID); errors.Is(err, store.ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("worker %s not found", agentID))
		return
	} else if err != nil {
		slog.Error("get worker", "agent_id", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	if err := srv.workers.Remove(r.Context(), agentID); err != nil {
		slog.Error("remove worker", "agent_id", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to stop worker: "+err.Error())
		return
	}

	if err := srv.db.DeleteWorker(r.Context(), agentID); err != nil && !errors.Is(err, store.ErrWorkerNotFound) {
		slog.Error("delete worker record", "agent_id", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete worker record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listEvents(w http.ResponseWriter, r *http.Request, agentID string) {
	if _, err := srv.db.GetWorker(r.Context(), agentID); errors.Is(err, store.ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("worker %s not found", agentID))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}

	events, err := srv.db.ListRestartEvents(r.Context(), agentID)
	if err != nil {
		slog.Error("list restart events", "agent_id", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list restart events")
		return
	}

	resp := make([]restartEventResponse, 0, len(events))
	for _, ev := range events {
		e := restartEventResponse{
			ID:         ev.ID,
			Reason:     ev.Reason,
			Attempt:    ev.Attempt,
			OccurredAt: ev.OccurredAt,
		}
		if ev.ExitCode.Valid {
			code := ev.ExitCode.Int64
			e.ExitCode = &code
		}
		resp = append(resp, e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// withTrace attaches the caller's X-Trace-ID (or a fresh one) to the request
// context and echoes it on the response.
func withTrace(w http.ResponseWriter, r *http.Request) *http.Request {
	traceID := r.Header.Get("X-Trace-ID")
	if traceID == "" {
		traceID = trace.GenerateID()
	}
	w.Header().Set("X-Trace-ID", traceID)
	return r.WithContext(trace.WithTraceID(r.Context(), traceID))
}

// authorize enforces the bearer token when one is configured.
func (srv *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if srv.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+srv.cfg.Token {
		writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return false
	}
	return true
}

// newWorkerToken generates the bearer token the supervisor uses on WCP
// requests to a worker.
func newWorkerToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("control: failed to encode JSON response", "err", err)
	}
}

func replayJSON(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
