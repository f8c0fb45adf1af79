package control

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bdobrica/Hosuto/internal/hosuto/runtime"
	"github.com/bdobrica/Hosuto/internal/hosuto/store"
)

// fakeManager records supervisor calls without spawning anything.
type fakeManager struct {
	mu       sync.Mutex
	started  []runtime.WorkerSpec
	removed  []string
	startErr error
}

func (f *fakeManager) Start(ctx context.Context, spec runtime.WorkerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, spec)
	return nil
}

func (f *fakeManager) Stop(ctx context.Context, agentID string) error { return nil }

func (f *fakeManager) Remove(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, agentID)
	return nil
}

func (f *fakeManager) Running(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.started {
		if s.AgentID == agentID {
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *store.Store, *fakeManager) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "hosuto.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr := &fakeManager{}
	srv := New(db, mgr, cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, db, mgr
}

func postWorker(t *testing.T, ts *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/workers", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /workers: %v", err)
	}
	return resp
}

func decodeWorker(t *testing.T, resp *http.Response) workerResponse {
	t.Helper()
	defer resp.Body.Close()
	var w workerResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		t.Fatalf("decode worker response: %v", err)
	}
	return w
}

func TestCreateWorker(t *testing.T) {
	ts, db, mgr := newTestServer(t, Config{})

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg","port":8701}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	got := decodeWorker(t, resp)
	if got.AgentID != "a_1" || got.Port != 8701 {
		t.Errorf("got %+v", got)
	}
	if !got.Supervised {
		t.Error("worker should be supervised after create")
	}

	rec, err := db.GetWorker(context.Background(), "a_1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if !rec.WCPToken.Valid || rec.WCPToken.String == "" {
		t.Error("expected a generated WCP token on the record")
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.started) != 1 {
		t.Fatalf("Start called %d times, want 1", len(mgr.started))
	}
	if mgr.started[0].Token != rec.WCPToken.String {
		t.Error("spec token does not match the stored token")
	}
}

func TestCreateWorker_DefaultPort(t *testing.T) {
	ts, _, mgr := newTestServer(t, Config{})

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.started[0].Port != runtime.DefaultControlPort {
		t.Errorf("port = %d, want %d", mgr.started[0].Port, runtime.DefaultControlPort)
	}
}

func TestCreateWorker_Validation(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	cases := []struct {
		name string
		body string
	}{
		{"missing agent_id", `{"package_path":"/srv/pkg"}`},
		{"missing package_path", `{"agent_id":"a_1"}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postWorker(t, ts, tc.body, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateWorker_Duplicate(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d, want 201", resp.StatusCode)
	}

	resp = postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/other"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", resp.StatusCode)
	}
}

func TestCreateWorker_IdempotentReplay(t *testing.T) {
	ts, _, mgr := newTestServer(t, Config{})
	headers := map[string]string{"X-Idempotency-Key": "req-1"}

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d, want 201", resp.StatusCode)
	}
	first := decodeWorker(t, resp)

	// A retry with the same key replays the stored response instead of
	// conflicting on the duplicate record.
	resp = postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay = %d, want 201", resp.StatusCode)
	}
	replayed := decodeWorker(t, resp)
	if replayed.AgentID != first.AgentID || replayed.CreatedAt != first.CreatedAt {
		t.Errorf("replayed response differs: %+v vs %+v", replayed, first)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.started) != 1 {
		t.Errorf("Start called %d times, want 1", len(mgr.started))
	}
}

func TestListAndGetWorkers(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	for i := 1; i <= 2; i++ {
		resp := postWorker(t, ts, fmt.Sprintf(`{"agent_id":"a_%d","package_path":"/srv/pkg","port":%d}`, i, 8700+i), nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create a_%d = %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(ts.URL + "/workers")
	if err != nil {
		t.Fatalf("GET /workers: %v", err)
	}
	var list []workerResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(list) != 2 {
		t.Errorf("got %d workers, want 2", len(list))
	}

	resp, err = http.Get(ts.URL + "/workers/a_1")
	if err != nil {
		t.Fatalf("GET /workers/a_1: %v", err)
	}
	got := decodeWorker(t, resp)
	if got.AgentID != "a_1" {
		t.Errorf("agent_id = %q", got.AgentID)
	}
}

func TestGetWorker_NotFound(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/workers/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteWorker(t *testing.T) {
	ts, db, mgr := newTestServer(t, Config{})

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, nil)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/workers/a_1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	if _, err := db.GetWorker(context.Background(), "a_1"); err != store.ErrWorkerNotFound {
		t.Errorf("record still present after delete: %v", err)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.removed) != 1 || mgr.removed[0] != "a_1" {
		t.Errorf("removed = %v, want [a_1]", mgr.removed)
	}
}

func TestDeleteWorker_NotFound(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/workers/ghost", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRestartEvents(t *testing.T) {
	ts, db, _ := newTestServer(t, Config{})

	resp := postWorker(t, ts, `{"agent_id":"a_1","package_path":"/srv/pkg"}`, nil)
	resp.Body.Close()

	err := db.RecordRestart(context.Background(), &store.RestartEvent{
		ID:       "ev-1",
		AgentID:  "a_1",
		Reason:   "exit code 1",
		ExitCode: sql.NullInt64{Int64: 1, Valid: true},
		Attempt:  1,
	})
	if err != nil {
		t.Fatalf("RecordRestart: %v", err)
	}

	resp, err = http.Get(ts.URL + "/workers/a_1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var events []restartEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Reason != "exit code 1" || events[0].ExitCode == nil || *events[0].ExitCode != 1 {
		t.Errorf("event = %+v", events[0])
	}
}

func TestAdminAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, Config{Token: "admin-secret"})

	// No token.
	resp, err := http.Get(ts.URL + "/workers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/workers", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong-token status = %d, want 401", resp.StatusCode)
	}

	// Valid token.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/workers", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}
