package match

import (
	"testing"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

func task(id string, role core.Role, level core.SkillLevel, status core.TaskStatus, age time.Duration) core.Task {
	return core.Task{
		ID:         id,
		TargetRole: role,
		SkillLevel: level,
		Status:     status,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(-age),
	}
}

func TestFindEligibleRoleAndStatus(t *testing.T) {
	pool := []core.Task{
		task("wrong-role", core.RoleFrontendDev, core.SkillJunior, core.TaskCreated, time.Hour),
		task("wrong-status", core.RoleBackendDev, core.SkillJunior, core.TaskPending, time.Hour),
		task("locked", core.RoleBackendDev, core.SkillJunior, core.TaskLocked, time.Hour),
		task("good", core.RoleBackendDev, core.SkillJunior, core.TaskCreated, time.Minute),
	}
	got, ok := FindEligible(core.RoleBackendDev, core.SkillJunior, pool)
	if !ok || got.ID != "good" {
		t.Fatalf("expected good, got %v ok=%v", got.ID, ok)
	}
}

func TestSkillMonotonicity(t *testing.T) {
	pool := []core.Task{
		task("senior-task", core.RoleBackendDev, core.SkillSenior, core.TaskCreated, time.Hour),
	}
	if _, ok := FindEligible(core.RoleBackendDev, core.SkillJunior, pool); ok {
		t.Fatalf("junior agent must never receive a senior task")
	}
	got, ok := FindEligible(core.RoleBackendDev, core.SkillPrincipal, pool)
	if !ok || got.ID != "senior-task" {
		t.Fatalf("principal agent should fall back to senior task")
	}
}

func TestFIFOOrdering(t *testing.T) {
	pool := []core.Task{
		task("newer", core.RoleQA, core.SkillJunior, core.TaskCreated, time.Minute),
		task("older", core.RoleQA, core.SkillJunior, core.TaskCreated, time.Hour),
	}
	got, _ := FindEligible(core.RoleQA, core.SkillJunior, pool)
	if got.ID != "older" {
		t.Fatalf("expected FIFO order, got %s", got.ID)
	}
}

func TestExactLevelPreferredAtEqualAge(t *testing.T) {
	// Same created_at: the senior agent should take the senior task and
	// leave the junior one for a junior agent.
	pool := []core.Task{
		task("junior-task", core.RoleBackendDev, core.SkillJunior, core.TaskCreated, time.Hour),
		task("senior-task", core.RoleBackendDev, core.SkillSenior, core.TaskCreated, time.Hour),
	}
	got, _ := FindEligible(core.RoleBackendDev, core.SkillSenior, pool)
	if got.ID != "senior-task" {
		t.Fatalf("expected exact-level preference, got %s", got.ID)
	}

	// But an older junior task still wins FIFO over a newer senior one.
	pool = []core.Task{
		task("old-junior", core.RoleBackendDev, core.SkillJunior, core.TaskCreated, 2*time.Hour),
		task("new-senior", core.RoleBackendDev, core.SkillSenior, core.TaskCreated, time.Hour),
	}
	got, _ = FindEligible(core.RoleBackendDev, core.SkillSenior, pool)
	if got.ID != "old-junior" {
		t.Fatalf("FIFO should beat exactness across ages, got %s", got.ID)
	}
}

func TestEmptyPool(t *testing.T) {
	if _, ok := FindEligible(core.RoleQA, core.SkillSenior, nil); ok {
		t.Fatalf("empty pool should not match")
	}
}
