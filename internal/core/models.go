package core

import "time"

// Role identifies what kind of work an agent performs. Tasks are targeted
// at exactly one role.
type Role string

const (
	RoleFrontendDev Role = "frontend_dev"
	RoleBackendDev  Role = "backend_dev"
	RoleQA          Role = "qa"
	RoleArchitect   Role = "architect"
	RolePM          Role = "pm"
)

// Privileged reports whether the role may stage, promote and force-release
// tasks. Ordinary dev and qa agents cannot.
func (r Role) Privileged() bool {
	return r == RoleArchitect || r == RolePM
}

func (r Role) Valid() bool {
	switch r {
	case RoleFrontendDev, RoleBackendDev, RoleQA, RoleArchitect, RolePM:
		return true
	}
	return false
}

// SkillLevel is an ordered scale. Agents at a higher level may pick up
// tasks targeted at a lower level, never the reverse.
type SkillLevel string

const (
	SkillJunior    SkillLevel = "junior"
	SkillSenior    SkillLevel = "senior"
	SkillPrincipal SkillLevel = "principal"
)

var skillRank = map[SkillLevel]int{
	SkillJunior:    0,
	SkillSenior:    1,
	SkillPrincipal: 2,
}

// Rank returns the ordinal position of the level, -1 for unknown levels.
func (s SkillLevel) Rank() int {
	if r, ok := skillRank[s]; ok {
		return r
	}
	return -1
}

func (s SkillLevel) Valid() bool {
	return s.Rank() >= 0
}

// Covers reports whether an agent at level s may work a task at level t.
func (s SkillLevel) Covers(t SkillLevel) bool {
	return s.Valid() && t.Valid() && s.Rank() >= t.Rank()
}

// Complexity hints how a task's result should land: minor work commits
// directly, major work goes through a branch.
type Complexity string

const (
	ComplexityMinor Complexity = "minor"
	ComplexityMajor Complexity = "major"
)

// TaskStatus is the task state machine. Only "created" tasks are pick-able;
// "locked" is the only held state, reachable solely through the lock manager.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCreated   TaskStatus = "created"
	TaskLocked    TaskStatus = "locked"
	TaskDevDone   TaskStatus = "dev_done"
	TaskTesting   TaskStatus = "testing"
	TaskQADone    TaskStatus = "qa_done"
	TaskCompleted TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskCreated, TaskLocked, TaskDevDone, TaskTesting, TaskQADone, TaskCompleted:
		return true
	}
	return false
}

// Held reports whether the status implies an agent owns the task's lock.
// The store maintains: LockedBy != "" iff Held().
func (s TaskStatus) Held() bool {
	return s == TaskLocked
}

// Task is a unit of work moving through the state machine.
type Task struct {
	ID          string     `json:"id"`
	EpicID      string     `json:"epic_id,omitempty"`
	FeatureID   string     `json:"feature_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	TargetRole  Role       `json:"target_role"`
	SkillLevel  SkillLevel `json:"skill_level"`
	Complexity  Complexity `json:"complexity"`
	Status      TaskStatus `json:"status"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	Branch      string     `json:"branch,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ConnectionKind records how an agent talks to the coordinator.
type ConnectionKind string

const (
	ConnectionClient ConnectionKind = "client"
	ConnectionBridge ConnectionKind = "bridge"
)

// Agent is an autonomous worker process registered with the coordinator.
// The identity is caller-chosen; re-registering updates role and level.
type Agent struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	SkillLevel SkillLevel     `json:"skill_level"`
	Connection ConnectionKind `json:"connection,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastSeen   time.Time      `json:"last_seen"`
}

// Epic is the top of the ownership hierarchy.
type Epic struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feature groups tasks under an epic.
type Feature struct {
	ID          string    `json:"id"`
	EpicID      string    `json:"epic_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChangeType labels entries in the coordination changelog.
type ChangeType string

const (
	ChangeTaskCreated     ChangeType = "task.created"
	ChangeTaskPromoted    ChangeType = "task.promoted"
	ChangeTaskLocked      ChangeType = "task.locked"
	ChangeTaskStatus      ChangeType = "task.status"
	ChangeTaskReleased    ChangeType = "task.released"
	ChangeAgentRegistered ChangeType = "agent.registered"
)

// Change is one changelog entry. The cursor is monotonic across the store
// and is what clients poll (or stream) from.
type Change struct {
	Cursor    uint64     `json:"cursor"`
	Type      ChangeType `json:"type"`
	TaskID    string     `json:"task_id,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
	OldStatus TaskStatus `json:"old_status,omitempty"`
	NewStatus TaskStatus `json:"new_status,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
