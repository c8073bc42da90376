package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/storage"
)

func TestCreateTaskRequiresPrivilegedActor(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)

	resp := env.post(t, "/api/tasks", map[string]string{
		"agent_id":    "dev-1",
		"title":       "sneaky",
		"target_role": "backend_dev",
		"skill_level": "junior",
	})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestCreateTaskUnregisteredActor(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/tasks", map[string]string{
		"agent_id":    "nobody",
		"title":       "orphan",
		"target_role": "backend_dev",
		"skill_level": "junior",
	})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "pm-1", core.RolePM, core.SkillPrincipal)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)
	env.registerAgent(t, "dev-2", core.RoleBackendDev, core.SkillJunior)
	env.registerAgent(t, "qa-1", core.RoleQA, core.SkillSenior)

	task := env.createTask(t, "pm-1", core.RoleBackendDev, core.SkillJunior, core.TaskCreated)

	// dev-1 asks for work and gets the task immediately.
	resp := env.get(t, "/api/tasks/next?role=backend_dev&level=junior&wait_ms=100")
	requireStatus(t, resp, http.StatusOK)
	next := decodeJSON[core.Task](t, resp)
	if next.ID != task.ID {
		t.Fatalf("next returned %q, want %q", next.ID, task.ID)
	}

	// dev-1 locks it; dev-2 racing for the same task gets a conflict.
	resp = env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-1"})
	requireStatus(t, resp, http.StatusOK)
	locked := decodeJSON[core.Task](t, resp)
	if locked.Status != core.TaskLocked || locked.LockedBy != "dev-1" {
		t.Fatalf("unexpected lock state: %+v", locked)
	}

	resp = env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-2"})
	requireStatus(t, resp, http.StatusConflict)
	conflict := decodeJSON[map[string]string](t, resp)
	if conflict["error"] != "already_locked" {
		t.Fatalf("expected already_locked, got %v", conflict)
	}

	// Only the holder may release.
	resp = env.post(t, "/api/tasks/"+task.ID+"/release", map[string]string{
		"agent_id": "dev-2", "status": "dev_done",
	})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(t, "/api/tasks/"+task.ID+"/release", map[string]string{
		"agent_id": "dev-1", "status": "dev_done", "branch": "feat/widget",
	})
	requireStatus(t, resp, http.StatusOK)
	released := decodeJSON[core.Task](t, resp)
	if released.Status != core.TaskDevDone || released.LockedBy != "" {
		t.Fatalf("unexpected release state: %+v", released)
	}
	if released.Branch != "feat/widget" {
		t.Fatalf("branch not recorded: %+v", released)
	}

	// QA walks it through to completed.
	for _, step := range []struct{ from, to string }{
		{"dev_done", "testing"},
		{"testing", "qa_done"},
		{"qa_done", "completed"},
	} {
		resp = env.post(t, "/api/tasks/"+task.ID+"/status", map[string]string{
			"agent_id": "qa-1", "from": step.from, "to": step.to,
		})
		requireStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = env.get(t, "/api/tasks/"+task.ID)
	final := decodeJSON[core.Task](t, resp)
	if final.Status != core.TaskCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestNextTaskTimeout(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/tasks/next?role=backend_dev&level=junior&wait_ms=50")
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}

// brokenPoolStore fails every pool query, as a store does when the
// database is down.
type brokenPoolStore struct {
	storage.Store
}

func (s brokenPoolStore) EligiblePool(context.Context, core.Role) ([]core.Task, error) {
	return nil, errors.New("pool query: database is locked up")
}

func TestNextTaskStoreFailureIsNotSwallowed(t *testing.T) {
	svc := NewService(brokenPoolStore{Store: storage.NewInMemory()})
	srv := httptest.NewServer(NewRouter(svc, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/tasks/next?role=backend_dev&level=senior&wait_ms=500")
	if err != nil {
		t.Fatalf("GET next: %v", err)
	}
	requireStatus(t, resp, http.StatusInternalServerError)
	body := decodeJSON[map[string]string](t, resp)
	if body["error"] != "internal" {
		t.Fatalf("expected internal error body, got %v", body)
	}
}

func TestPromoteRequiresPrivilege(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "pm-1", core.RolePM, core.SkillPrincipal)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)

	task := env.createTask(t, "pm-1", core.RoleBackendDev, core.SkillJunior, core.TaskPending)

	// A pending task is invisible to the pool.
	resp := env.get(t, "/api/tasks/next?role=backend_dev&level=junior&wait_ms=50")
	requireStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = env.post(t, "/api/tasks/"+task.ID+"/promote", map[string]string{"agent_id": "dev-1"})
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = env.post(t, "/api/tasks/"+task.ID+"/promote", map[string]string{"agent_id": "pm-1"})
	requireStatus(t, resp, http.StatusOK)
	promoted := decodeJSON[core.Task](t, resp)
	if promoted.Status != core.TaskCreated {
		t.Fatalf("expected created after promote, got %s", promoted.Status)
	}
}

func TestStatusStaleFromConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "pm-1", core.RolePM, core.SkillPrincipal)
	env.registerAgent(t, "qa-1", core.RoleQA, core.SkillSenior)
	task := env.createTask(t, "pm-1", core.RoleBackendDev, core.SkillJunior, core.TaskCreated)

	// The task is still created; claiming it was dev_done is a stale read.
	resp := env.post(t, "/api/tasks/"+task.ID+"/status", map[string]string{
		"agent_id": "qa-1", "from": "dev_done", "to": "testing",
	})
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestForceReleasePrivileged(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "arch-1", core.RoleArchitect, core.SkillPrincipal)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)
	env.registerAgent(t, "dev-2", core.RoleBackendDev, core.SkillJunior)
	task := env.createTask(t, "arch-1", core.RoleBackendDev, core.SkillJunior, core.TaskCreated)

	resp := env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-1"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/tasks/"+task.ID+"/force-release", map[string]string{"agent_id": "dev-2"})
	requireStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = env.post(t, "/api/tasks/"+task.ID+"/force-release", map[string]string{"agent_id": "arch-1"})
	requireStatus(t, resp, http.StatusOK)
	freed := decodeJSON[core.Task](t, resp)
	if freed.Status != core.TaskCreated || freed.LockedBy != "" {
		t.Fatalf("force-release left %+v", freed)
	}

	// The task is pickable again.
	resp = env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-2"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestStaleLocksListing(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "pm-1", core.RolePM, core.SkillPrincipal)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)
	task := env.createTask(t, "pm-1", core.RoleBackendDev, core.SkillJunior, core.TaskCreated)

	resp := env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-1"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// With a zero grace every held lock is stale.
	resp = env.get(t, "/api/locks/stale?grace_ms=0")
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string][]map[string]any](t, resp)
	if len(body["stale"]) != 1 {
		t.Fatalf("expected 1 stale lock, got %d", len(body["stale"]))
	}
}

func TestChangesFeed(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "pm-1", core.RolePM, core.SkillPrincipal)
	env.registerAgent(t, "dev-1", core.RoleBackendDev, core.SkillJunior)
	task := env.createTask(t, "pm-1", core.RoleBackendDev, core.SkillJunior, core.TaskCreated)

	resp := env.post(t, "/api/tasks/"+task.ID+"/lock", map[string]string{"agent_id": "dev-1"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.get(t, "/api/changes")
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string][]core.Change](t, resp)
	changes := body["changes"]
	if len(changes) == 0 {
		t.Fatal("expected changes")
	}
	var last uint64
	for _, c := range changes {
		if c.Cursor <= last {
			t.Fatalf("cursor not monotonic: %d after %d", c.Cursor, last)
		}
		last = c.Cursor
	}

	// Resuming from the last cursor yields nothing new.
	resp = env.get(t, "/api/changes?cursor="+strconv.FormatUint(last, 10))
	requireStatus(t, resp, http.StatusOK)
	rest := decodeJSON[map[string][]core.Change](t, resp)
	if len(rest["changes"]) != 0 {
		t.Fatalf("expected no changes past cursor %d, got %d", last, len(rest["changes"]))
	}
}
