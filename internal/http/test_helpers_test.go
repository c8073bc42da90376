package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/storage/sqlite"
	"github.com/mistakeknot/conclave/internal/ws"
)

// testEnv bundles a Service + httptest.Server + ws.Hub for handler tests.
// Uses localhost auth bypass so no API key is needed for requests.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	hub := ws.NewHub()
	svc := NewService(st).WithBroadcaster(hub)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) registerAgent(t *testing.T, id string, role core.Role, level core.SkillLevel) {
	t.Helper()
	resp := e.post(t, "/api/agents", map[string]string{
		"agent_id":    id,
		"role":        string(role),
		"skill_level": string(level),
		"connection":  "client",
	})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func (e *testEnv) createTask(t *testing.T, creator string, role core.Role, level core.SkillLevel, status core.TaskStatus) core.Task {
	t.Helper()
	resp := e.post(t, "/api/tasks", map[string]string{
		"agent_id":    creator,
		"title":       "wire the widget",
		"target_role": string(role),
		"skill_level": string(level),
		"status":      string(status),
	})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.Task](t, resp)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
