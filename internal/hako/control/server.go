// Package control implements the Worker Control Protocol (WCP) HTTP server.
//
// Each hako worker serves this protocol on its supervisor-declared port.
// The supervisor probes health; orchestrators and other agents invoke the
// hosted handler.
//
// Endpoints:
//
//	GET  /health   → wcp.HealthResponse (200 when Ready, 503 otherwise)
//	GET  /status   → wcp.StatusResponse
//	POST /invoke   → wcp.InvocationRequest → wcp.InvocationResult
//
// Invocation semantics:
//   - Requests arriving before the worker is Ready fast-fail with the
//     not_ready error kind; the handler is never touched.
//   - Handler failures (including panics) are converted into handler_error
//     results; the worker survives and readiness is unaffected.
//   - Invocations run concurrently up to the package's configured bound;
//     when the bound is hit the server sheds load with the overloaded kind
//     rather than queueing. Handlers must be reentrant.
//   - Each invocation is bound to the package's timeout. Registry handlers
//     may keep running in the background after a timeout (their result is
//     discarded, and their concurrency slot is held until they return);
//     the exec handler is preempted because context cancellation kills the
//     child process.
//
// Bearer-token authentication: set Config.Token to require
// "Authorization: Bearer <token>" on /invoke and /status. /health is always
// unauthenticated so the supervisor and external probes can poll it freely.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Hosuto/common/observability"
	"github.com/bdobrica/Hosuto/common/spec/wcp"
	"github.com/bdobrica/Hosuto/common/trace"
	"github.com/bdobrica/Hosuto/internal/hako/loader"
	"github.com/bdobrica/Hosuto/internal/hako/readiness"
	"github.com/google/uuid"
)

const (
	// DefaultMaxConcurrent bounds in-flight invocations when the manifest
	// does not set a limit.
	DefaultMaxConcurrent = 16
	// DefaultInvokeTimeout bounds a single invocation when the manifest
	// does not set one.
	DefaultInvokeTimeout = 30 * time.Second

	// maxInvokeBodyBytes caps the inbound invocation body.
	maxInvokeBodyBytes = 10 * 1024 * 1024 // 10 MiB
)

// Config carries the worker identity and serving knobs.
type Config struct {
	// AgentID is the supervisor-assigned identity, echoed on every surface.
	AgentID string
	// Version is the runtime version string.
	Version string
	// StartedAt is the time the worker process started.
	StartedAt time.Time
	// Token, when non-empty, is the expected bearer token for /invoke and
	// /status. When empty, authentication is disabled (dev/test mode).
	Token string
}

// Server is the WCP HTTP server for one worker.
type Server struct {
	addr   string
	cfg    Config
	state  *readiness.State
	server *http.Server

	mu      sync.RWMutex
	pkg     *loader.LoadedPackage
	sem     chan struct{}
	timeout time.Duration
}

// New creates a WCP Server listening on addr. The server accepts traffic
// immediately after Start; until RegisterPackage is called every invocation
// fast-fails with not_ready.
func New(addr string, cfg Config, state *readiness.State) *Server {
	s := &Server{
		addr:    addr,
		cfg:     cfg,
		state:   state,
		sem:     make(chan struct{}, DefaultMaxConcurrent),
		timeout: DefaultInvokeTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/status", s.authMiddleware(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/invoke", s.authMiddleware(http.HandlerFunc(s.handleInvoke)))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * DefaultInvokeTimeout,
	}
	return s
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest recorders, without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// RegisterPackage publishes the loaded package to the invocation path and
// applies its manifest limits. Call once, after a successful load and
// before marking the worker Ready.
func (s *Server) RegisterPackage(pkg *loader.LoadedPackage) {
	maxConcurrent := pkg.Manifest.Limits.MaxConcurrentInvocations
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	timeout := time.Duration(pkg.Manifest.Limits.InvocationTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkg = pkg
	s.sem = make(chan struct{}, maxConcurrent)
	s.timeout = timeout
}

// Start binds the listener and begins serving in the background. It returns
// once the listener is bound so the caller knows the port is open — the
// harness relies on this ordering (bind before load).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("wcp listen %s: %w", s.addr, err)
	}
	slog.Info("wcp server listening", "addr", ln.Addr().String(), "agent_id", s.cfg.AgentID)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("wcp server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server, draining in-flight invocations for
// a bounded window.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

// authMiddleware rejects requests that do not carry the correct bearer
// token. When Config.Token is empty, all requests are allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if auth[len("Bearer "):] != s.cfg.Token {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.state.Current()
	resp := wcp.HealthResponse{
		OK:      snap.Phase == readiness.Ready,
		State:   snap.Phase.String(),
		Reason:  snap.Reason,
		AgentID: s.cfg.AgentID,
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.state.Current()
	resp := wcp.StatusResponse{
		AgentID:   s.cfg.AgentID,
		Version:   s.cfg.Version,
		State:     snap.Phase.String(),
		Uptime:    time.Since(s.cfg.StartedAt).Seconds(),
		StartedAt: s.cfg.StartedAt,
	}

	s.mu.RLock()
	if s.pkg != nil {
		resp.PackageName = s.pkg.Manifest.Metadata.Name
		resp.PackageVersion = s.pkg.Manifest.Metadata.Version
		resp.PackageHash = s.pkg.Hash
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	traceID := r.Header.Get("X-Trace-ID")
	if traceID == "" {
		traceID = trace.GenerateID()
	}
	ctx = trace.WithTraceID(ctx, traceID)
	log := observability.WithTrace(ctx)

	var req wcp.InvocationRequest
	body := http.MaxBytesReader(w, r.Body, maxInvokeBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, invokeError("", wcp.KindBadRequest, "invalid request: "+err.Error()))
		return
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}

	// Fast-fail before touching the handler: invocation is gated on Ready.
	snap := s.state.Current()
	if snap.Phase != readiness.Ready {
		writeResult(w, http.StatusServiceUnavailable,
			invokeError(corrID, wcp.KindNotReady, "worker is "+snap.Phase.String()))
		return
	}

	s.mu.RLock()
	pkg, sem, timeout := s.pkg, s.sem, s.timeout
	s.mu.RUnlock()

	select {
	case sem <- struct{}{}:
	default:
		writeResult(w, http.StatusTooManyRequests,
			invokeError(corrID, wcp.KindOverloaded, "concurrency limit reached"))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		// The slot is held until the handler actually returns, so a
		// timed-out call still counts against the concurrency bound.
		defer func() { <-sem }()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		out, err := pkg.Handler.Invoke(callCtx, req.Input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-callCtx.Done():
		log.Warn("invocation timed out", "correlation_id", corrID, "timeout", timeout)
		writeResult(w, http.StatusGatewayTimeout,
			invokeError(corrID, wcp.KindTimeout, fmt.Sprintf("invocation exceeded %s", timeout)))
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) {
				writeResult(w, http.StatusGatewayTimeout,
					invokeError(corrID, wcp.KindTimeout, fmt.Sprintf("invocation exceeded %s", timeout)))
				return
			}
			log.Warn("handler failed", "correlation_id", corrID, "err", res.err)
			writeResult(w, http.StatusInternalServerError,
				invokeError(corrID, wcp.KindHandlerError, res.err.Error()))
			return
		}
		writeResult(w, http.StatusOK, wcp.InvocationResult{
			CorrelationID: corrID,
			Output:        res.output,
		})
	}
}

// --- helpers ---

func invokeError(corrID string, kind wcp.ErrorKind, msg string) wcp.InvocationResult {
	return wcp.InvocationResult{
		CorrelationID: corrID,
		Error:         &wcp.InvocationError{Kind: kind, Message: msg},
	}
}

func writeResult(w http.ResponseWriter, code int, res wcp.InvocationResult) {
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("wcp: failed to encode JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, wcp.ErrorResponse{Error: msg})
}
