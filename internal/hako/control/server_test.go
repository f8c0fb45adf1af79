package control_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hosuto/common/spec/bundle"
	"github.com/bdobrica/Hosuto/common/spec/wcp"
	"github.com/bdobrica/Hosuto/internal/hako/control"
	"github.com/bdobrica/Hosuto/internal/hako/handler"
	"github.com/bdobrica/Hosuto/internal/hako/loader"
	"github.com/bdobrica/Hosuto/internal/hako/readiness"
)

// --- helpers ---------------------------------------------------------------

func newTestServer(token string) (*control.Server, *readiness.State) {
	state := readiness.New()
	srv := control.New(":0", control.Config{
		AgentID:   "test-agent",
		Version:   "v0.0.1-test",
		StartedAt: time.Now(),
		Token:     token,
	}, state)
	return srv, state
}

// testPackage wraps h into a LoadedPackage with the given limits.
func testPackage(h handler.Handler, maxConcurrent, timeoutSeconds int) *loader.LoadedPackage {
	return &loader.LoadedPackage{
		Handler: h,
		Manifest: &bundle.Manifest{
			APIVersion: bundle.SpecVersion,
			Metadata: bundle.Metadata{
				Name:    "test-pkg",
				Version: "1.0.0",
			},
			Limits: bundle.Limits{
				MaxConcurrentInvocations: maxConcurrent,
				InvocationTimeoutSeconds: timeoutSeconds,
			},
		},
		Dir:  "/tmp/test-pkg",
		Hash: "deadbeefdeadbeefdeadbeefdeadbeef",
	}
}

func readyServer(t *testing.T, h handler.Handler, maxConcurrent, timeoutSeconds int) *httptest.Server {
	t.Helper()
	srv, state := newTestServer("")
	srv.RegisterPackage(testPackage(h, maxConcurrent, timeoutSeconds))
	if err := state.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func invoke(t *testing.T, ts *httptest.Server, req wcp.InvocationRequest) (*http.Response, wcp.InvocationResult) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+"/invoke", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /invoke: %v", err)
	}
	defer resp.Body.Close()
	var res wcp.InvocationResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return resp, res
}

// --- health ----------------------------------------------------------------

func TestHealth_NotReady(t *testing.T) {
	srv, _ := newTestServer("")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	var health wcp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.OK {
		t.Error("expected ok=false before ready")
	}
	if health.State != wcp.StateNotReady {
		t.Errorf("state = %q, want %q", health.State, wcp.StateNotReady)
	}
	if health.AgentID != "test-agent" {
		t.Errorf("agent_id = %q, want test-agent", health.AgentID)
	}
}

func TestHealth_Ready(t *testing.T) {
	ts := readyServer(t, handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}), 4, 5)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	var health wcp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.OK || health.State != wcp.StateReady {
		t.Errorf("got ok=%v state=%q, want ok=true state=ready", health.OK, health.State)
	}
}

func TestHealth_FailedCarriesReason(t *testing.T) {
	srv, state := newTestServer("")
	if err := state.MarkFailed("corrupt"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	var health wcp.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.State != wcp.StateFailed || health.Reason != "corrupt" {
		t.Errorf("got state=%q reason=%q, want failed/corrupt", health.State, health.Reason)
	}
}

// --- status ----------------------------------------------------------------

func TestStatus_ReportsPackage(t *testing.T) {
	ts := readyServer(t, handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}), 4, 5)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status wcp.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.PackageName != "test-pkg" || status.PackageVersion != "1.0.0" {
		t.Errorf("got package %s@%s, want test-pkg@1.0.0", status.PackageName, status.PackageVersion)
	}
	if status.State != wcp.StateReady {
		t.Errorf("state = %q, want ready", status.State)
	}
}

// --- auth middleware -------------------------------------------------------

func TestAuth_HealthIsAlwaysOpen(t *testing.T) {
	srv, _ := newTestServer("secret-token")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	// 503 because not ready, not 401: health never requires auth.
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("health endpoint must not require auth")
	}
}

func TestAuth_InvokeRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer("secret-token")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/invoke", "application/json", strings.NewReader(`{"input":null}`))
	if err != nil {
		t.Fatalf("POST /invoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuth_InvokeAcceptsValidToken(t *testing.T) {
	state := readiness.New()
	srv := control.New(":0", control.Config{
		AgentID:   "test-agent",
		Version:   "v0.0.1-test",
		StartedAt: time.Now(),
		Token:     "secret-token",
	}, state)
	srv.RegisterPackage(testPackage(handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}), 4, 5))
	if err := state.MarkReady(); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, _ := http.NewRequest("POST", ts.URL+"/invoke", strings.NewReader(`{"input":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /invoke: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// --- invoke ----------------------------------------------------------------

func TestInvoke_BeforeReadyFastFails(t *testing.T) {
	srv, _ := newTestServer("")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`"hello"`)})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindNotReady {
		t.Errorf("got error %+v, want kind not_ready", res.Error)
	}
}

func TestInvoke_FailedWorkerFastFails(t *testing.T) {
	srv, state := newTestServer("")
	if err := state.MarkFailed("entrypoint_raised"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`"hello"`)})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindNotReady {
		t.Errorf("got error %+v, want kind not_ready", res.Error)
	}
}

func TestInvoke_TransformScenario(t *testing.T) {
	factory, ok := handler.Lookup("transform")
	if !ok {
		t.Fatal("transform handler not registered")
	}
	h, err := factory(bundle.Entrypoint{Handler: "transform"}, "")
	if err != nil {
		t.Fatalf("build transform: %v", err)
	}
	ts := readyServer(t, h, 4, 5)

	resp, res := invoke(t, ts, wcp.InvocationRequest{
		CorrelationID: "corr-1",
		Input:         json.RawMessage(`"hello"`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.CorrelationID != "corr-1" {
		t.Errorf("correlation_id = %q, want corr-1", res.CorrelationID)
	}

	var out struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Result != "Processed: hello" {
		t.Errorf("result = %q, want %q", out.Result, "Processed: hello")
	}
}

func TestInvoke_GeneratesCorrelationID(t *testing.T) {
	ts := readyServer(t, handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}), 4, 5)

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`42`)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if res.CorrelationID == "" {
		t.Error("expected a generated correlation_id")
	}
}

func TestInvoke_BadBody(t *testing.T) {
	ts := readyServer(t, handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		return in, nil
	}), 4, 5)

	resp, err := http.Post(ts.URL+"/invoke", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST /invoke: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	var res wcp.InvocationResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindBadRequest {
		t.Errorf("got error %+v, want kind bad_request", res.Error)
	}
}

func TestInvoke_HandlerErrorDoesNotKillWorker(t *testing.T) {
	calls := 0
	ts := readyServer(t, handler.Func(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return json.RawMessage(`"ok"`), nil
	}), 4, 5)

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`1`)})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindHandlerError {
		t.Errorf("got error %+v, want kind handler_error", res.Error)
	}

	// The worker survives a panicking handler and stays ready.
	resp2, res2 := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`2`)})
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after panic, got %d", resp2.StatusCode)
	}
	if res2.Error != nil {
		t.Errorf("unexpected error after panic: %+v", res2.Error)
	}
}

func TestInvoke_Overloaded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ts := readyServer(t, handler.Func(func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return in, nil
	}), 1, 5)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`1`)})
		if resp.StatusCode != http.StatusOK {
			t.Errorf("slow call: expected 200, got %d", resp.StatusCode)
		}
		if res.Error != nil {
			t.Errorf("slow call: unexpected error %+v", res.Error)
		}
	}()

	// Wait until the slow call occupies the single slot.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never started")
	}

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`2`)})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindOverloaded {
		t.Errorf("got error %+v, want kind overloaded", res.Error)
	}

	close(release)
	wg.Wait()
}

func TestInvoke_ConcurrentCallsDoNotCrossContaminate(t *testing.T) {
	const calls = 100

	factory, ok := handler.Lookup("echo")
	if !ok {
		t.Fatal("echo handler not registered")
	}
	h, err := factory(bundle.Entrypoint{Handler: "echo"}, "")
	if err != nil {
		t.Fatalf("build echo: %v", err)
	}
	ts := readyServer(t, h, calls, 5)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			corrID := fmt.Sprintf("corr-%d", i)
			input := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			resp, res := invoke(t, ts, wcp.InvocationRequest{
				CorrelationID: corrID,
				Input:         input,
			})
			if resp.StatusCode != http.StatusOK {
				t.Errorf("call %d: expected 200, got %d", i, resp.StatusCode)
				return
			}
			if res.Error != nil {
				t.Errorf("call %d: unexpected error: %+v", i, res.Error)
				return
			}
			// Each response must carry its own request's identity and
			// payload, exactly as a sequential run would.
			if res.CorrelationID != corrID {
				t.Errorf("call %d: correlation_id = %q, want %q", i, res.CorrelationID, corrID)
			}
			var out struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(res.Output, &out); err != nil {
				t.Errorf("call %d: decode output: %v", i, err)
				return
			}
			if out.N != i {
				t.Errorf("call %d: output n = %d, want %d", i, out.N, i)
			}
		}(i)
	}
	wg.Wait()
}

func TestInvoke_Timeout(t *testing.T) {
	ts := readyServer(t, handler.Func(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 4, 1)

	resp, res := invoke(t, ts, wcp.InvocationRequest{Input: json.RawMessage(`1`)})
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", resp.StatusCode)
	}
	if res.Error == nil || res.Error.Kind != wcp.KindTimeout {
		t.Errorf("got error %+v, want kind timeout", res.Error)
	}
}
