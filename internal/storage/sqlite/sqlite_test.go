package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

func seedTask(t *testing.T, st *Store, status core.TaskStatus, role core.Role) core.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), core.Task{
		Title:      "add retry to payment client",
		TargetRole: role,
		SkillLevel: core.SkillJunior,
		Complexity: core.ComplexityMinor,
		Status:     status,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskRoundTrip(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	created := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)
	got, err := st.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != created.Title || got.Status != core.TaskCreated || got.TargetRole != core.RoleBackendDev {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Fatalf("new task must be unheld: %+v", got)
	}

	if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestAcquireLockConditionalUpdate(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	task := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)

	locked, err := st.AcquireLock(ctx, task.ID, "agent-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if locked.Status != core.TaskLocked || locked.LockedBy != "agent-a" || locked.LockedAt == nil {
		t.Fatalf("lock state: %+v", locked)
	}

	if _, err := st.AcquireLock(ctx, task.ID, "agent-b"); !errors.Is(err, core.ErrAlreadyLocked) {
		t.Fatalf("second acquire: got %v, want ErrAlreadyLocked", err)
	}
	if _, err := st.AcquireLock(ctx, "missing", "agent-b"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing task acquire: got %v, want ErrNotFound", err)
	}

	pending := seedTask(t, st, core.TaskPending, core.RoleBackendDev)
	if _, err := st.AcquireLock(ctx, pending.ID, "agent-a"); !errors.Is(err, core.ErrAlreadyLocked) {
		t.Fatalf("pending acquire: got %v, want ErrAlreadyLocked", err)
	}
}

func TestReleaseLockChecksHolder(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	task := seedTask(t, st, core.TaskCreated, core.RoleFrontendDev)
	if _, err := st.AcquireLock(ctx, task.ID, "agent-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := st.ReleaseLock(ctx, task.ID, "agent-b", core.TaskDevDone); !errors.Is(err, core.ErrNotLockHolder) {
		t.Fatalf("non-holder release: got %v, want ErrNotLockHolder", err)
	}

	released, err := st.ReleaseLock(ctx, task.ID, "agent-a", core.TaskDevDone)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != core.TaskDevDone || released.LockedBy != "" || released.LockedAt != nil {
		t.Fatalf("release state: %+v", released)
	}

	var ite *core.InvalidTransitionError
	_, err = st.ReleaseLock(ctx, task.ID, "agent-a", core.TaskDevDone)
	if !errors.As(err, &ite) || ite.From != core.TaskDevDone {
		t.Fatalf("release of unheld task: got %v", err)
	}
}

func TestForceReleaseMakesTaskPickable(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	task := seedTask(t, st, core.TaskCreated, core.RoleQA)
	if _, err := st.AcquireLock(ctx, task.ID, "agent-dead"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	freed, err := st.ForceRelease(ctx, task.ID)
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if freed.Status != core.TaskCreated || freed.LockedBy != "" {
		t.Fatalf("force release state: %+v", freed)
	}
	if _, err := st.AcquireLock(ctx, task.ID, "agent-b"); err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	unheld := seedTask(t, st, core.TaskCreated, core.RoleQA)
	if _, err := st.ForceRelease(ctx, unheld.ID); err == nil {
		t.Fatal("force release of unheld task should fail")
	}
}

func TestSetStatusStaleFrom(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	task := seedTask(t, st, core.TaskDevDone, core.RoleBackendDev)

	var ite *core.InvalidTransitionError
	_, err := st.SetStatus(ctx, task.ID, core.TaskTesting, core.TaskQADone)
	if !errors.As(err, &ite) || ite.From != core.TaskDevDone {
		t.Fatalf("stale from: got %v", err)
	}

	moved, err := st.SetStatus(ctx, task.ID, core.TaskDevDone, core.TaskTesting)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if moved.Status != core.TaskTesting {
		t.Fatalf("status = %s", moved.Status)
	}
}

func TestPromoteTaskOnlyFromPending(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	task := seedTask(t, st, core.TaskPending, core.RoleArchitect)

	promoted, err := st.PromoteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Status != core.TaskCreated {
		t.Fatalf("status = %s", promoted.Status)
	}
	if _, err := st.PromoteTask(ctx, task.ID); err == nil {
		t.Fatal("double promote should fail")
	}
}

func TestEligiblePoolFIFO(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	first := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)
	seedTask(t, st, core.TaskCreated, core.RoleFrontendDev)
	seedTask(t, st, core.TaskPending, core.RoleBackendDev)
	second := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)

	pool, err := st.EligiblePool(ctx, core.RoleBackendDev)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("want 2 pool tasks, got %d", len(pool))
	}
	if pool[0].ID != first.ID || pool[1].ID != second.ID {
		t.Fatalf("pool not FIFO: %s then %s", pool[0].ID, pool[1].ID)
	}
}

func TestAgentRegisterAndHeartbeat(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	agent, err := st.RegisterAgent(ctx, core.Agent{ID: "qa-1", Role: core.RoleQA, SkillLevel: core.SkillSenior})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Connection != core.ConnectionClient {
		t.Fatalf("default connection: %s", agent.Connection)
	}

	again, err := st.RegisterAgent(ctx, core.Agent{ID: "qa-1", Role: core.RoleQA, SkillLevel: core.SkillPrincipal})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.SkillLevel != core.SkillPrincipal {
		t.Fatalf("re-register did not update level: %+v", again)
	}
	if !again.CreatedAt.Equal(agent.CreatedAt) {
		t.Fatal("re-register must keep CreatedAt")
	}

	if _, err := st.Heartbeat(ctx, "qa-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := st.Heartbeat(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("ghost heartbeat: got %v, want ErrNotFound", err)
	}
}

func TestHierarchyRoundTrip(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	epic, err := st.CreateEpic(ctx, core.Epic{Name: "billing revamp"})
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	feature, err := st.CreateFeature(ctx, core.Feature{EpicID: epic.ID, Name: "invoice export"})
	if err != nil {
		t.Fatalf("create feature: %v", err)
	}

	features, err := st.ListFeatures(ctx, epic.ID)
	if err != nil {
		t.Fatalf("list features: %v", err)
	}
	if len(features) != 1 || features[0].ID != feature.ID {
		t.Fatalf("features = %+v", features)
	}

	if _, err := st.GetEpic(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing epic: got %v", err)
	}
}

func TestChangelogCursorMonotonic(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	task := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)
	if _, err := st.AcquireLock(ctx, task.ID, "agent-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := st.ReleaseLock(ctx, task.ID, "agent-a", core.TaskDevDone); err != nil {
		t.Fatalf("release: %v", err)
	}

	changes, err := st.ChangesSince(ctx, 0, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("want 3 changes, got %d", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Cursor <= changes[i-1].Cursor {
			t.Fatalf("cursor order: %d then %d", changes[i-1].Cursor, changes[i].Cursor)
		}
	}

	tail, err := st.ChangesSince(ctx, changes[1].Cursor, 0)
	if err != nil {
		t.Fatalf("changes tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != core.ChangeTaskReleased {
		t.Fatalf("tail = %+v", tail)
	}

	limited, err := st.ChangesSince(ctx, 0, 2)
	if err != nil {
		t.Fatalf("changes limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: got %d", len(limited))
	}
}

func TestResilientPassesThroughOutcomes(t *testing.T) {
	st := NewSQLiteTest(t)
	rs := NewResilientWithBreaker(st, NewCircuitBreaker(2, time.Minute))
	ctx := context.Background()

	task := seedTask(t, st, core.TaskCreated, core.RoleBackendDev)
	if _, err := rs.AcquireLock(ctx, task.ID, "agent-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// AlreadyLocked is an expected outcome: it must surface unchanged and
	// must not trip the breaker.
	for i := 0; i < 5; i++ {
		if _, err := rs.AcquireLock(ctx, task.ID, "agent-b"); !errors.Is(err, core.ErrAlreadyLocked) {
			t.Fatalf("attempt %d: got %v, want ErrAlreadyLocked", i, err)
		}
	}
	if rs.CircuitBreakerState() != "closed" {
		t.Fatalf("breaker tripped on coordination outcome: %s", rs.CircuitBreakerState())
	}
}
