package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/conclave/internal/core"
)

// Store is the entity store consumed by the coordination core. Every
// lock-related method is a single atomic conditional update: success is
// decided by the store, never by a separate read followed by a write.
type Store interface {
	RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error)
	Heartbeat(ctx context.Context, agentID string) (core.Agent, error)
	GetAgent(ctx context.Context, id string) (core.Agent, error)
	ListAgents(ctx context.Context) ([]core.Agent, error)

	CreateEpic(ctx context.Context, epic core.Epic) (core.Epic, error)
	GetEpic(ctx context.Context, id string) (core.Epic, error)
	ListEpics(ctx context.Context) ([]core.Epic, error)
	CreateFeature(ctx context.Context, feature core.Feature) (core.Feature, error)
	GetFeature(ctx context.Context, id string) (core.Feature, error)
	ListFeatures(ctx context.Context, epicID string) ([]core.Feature, error)

	CreateTask(ctx context.Context, task core.Task) (core.Task, error)
	GetTask(ctx context.Context, id string) (core.Task, error)
	ListTasks(ctx context.Context, status core.TaskStatus, role core.Role) ([]core.Task, error)

	// EligiblePool returns the current set of pick-able tasks for a role,
	// oldest first. Callers must treat it as a snapshot: the matcher picks
	// from it, but only AcquireLock grants ownership.
	EligiblePool(ctx context.Context, role core.Role) ([]core.Task, error)

	// PromoteTask moves a staged task to created. Fails with
	// InvalidTransitionError when the task is not pending.
	PromoteTask(ctx context.Context, id string) (core.Task, error)

	// AcquireLock claims a created, unheld task for an agent. Exactly one
	// of any number of concurrent callers succeeds; the rest get
	// ErrAlreadyLocked.
	AcquireLock(ctx context.Context, taskID, agentID string) (core.Task, error)

	// ReleaseLock moves a held task to next and clears the lock, but only
	// for the agent recorded in locked_by.
	ReleaseLock(ctx context.Context, taskID, agentID string, next core.TaskStatus) (core.Task, error)

	// ForceRelease is the administrative stale-lock path: it clears the
	// lock regardless of holder and makes the task pick-able again.
	ForceRelease(ctx context.Context, taskID string) (core.Task, error)

	// SetStatus performs a conditional from->to transition on an unheld
	// task. A concurrent change that invalidates `from` surfaces as an
	// InvalidTransitionError, not a silent overwrite.
	SetStatus(ctx context.Context, taskID string, from, to core.TaskStatus) (core.Task, error)

	// UpdateTaskMeta records free-form branch/notes on a task.
	UpdateTaskMeta(ctx context.Context, taskID, branch, notes string) (core.Task, error)

	ChangesSince(ctx context.Context, cursor uint64, limit int) ([]core.Change, error)

	Close() error
}

// InMemory is a mutex-guarded store for tests and embedded use.
type InMemory struct {
	mu       sync.Mutex
	cursor   uint64
	agents   map[string]core.Agent
	epics    map[string]core.Epic
	features map[string]core.Feature
	tasks    map[string]core.Task
	changes  []core.Change
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		agents:   make(map[string]core.Agent),
		epics:    make(map[string]core.Epic),
		features: make(map[string]core.Feature),
		tasks:    make(map[string]core.Task),
	}
}

func (m *InMemory) record(ch core.Change) {
	m.cursor++
	ch.Cursor = m.cursor
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	m.changes = append(m.changes, ch)
}

func (m *InMemory) RegisterAgent(_ context.Context, agent core.Agent) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.agents[agent.ID]; ok {
		existing.Role = agent.Role
		existing.SkillLevel = agent.SkillLevel
		if agent.Connection != "" {
			existing.Connection = agent.Connection
		}
		existing.LastSeen = now
		m.agents[agent.ID] = existing
		return existing, nil
	}
	agent.CreatedAt = now
	agent.LastSeen = now
	m.agents[agent.ID] = agent
	m.record(core.Change{Type: core.ChangeAgentRegistered, AgentID: agent.ID})
	return agent, nil
}

func (m *InMemory) Heartbeat(_ context.Context, agentID string) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	agent.LastSeen = time.Now().UTC()
	m.agents[agentID] = agent
	return agent, nil
}

func (m *InMemory) GetAgent(_ context.Context, id string) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	return agent, nil
}

func (m *InMemory) ListAgents(_ context.Context) ([]core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) CreateEpic(_ context.Context, epic core.Epic) (core.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epic.ID == "" {
		epic.ID = uuid.NewString()
	}
	if epic.CreatedAt.IsZero() {
		epic.CreatedAt = time.Now().UTC()
	}
	m.epics[epic.ID] = epic
	return epic, nil
}

func (m *InMemory) GetEpic(_ context.Context, id string) (core.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	epic, ok := m.epics[id]
	if !ok {
		return core.Epic{}, core.ErrNotFound
	}
	return epic, nil
}

func (m *InMemory) ListEpics(_ context.Context) ([]core.Epic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Epic, 0, len(m.epics))
	for _, e := range m.epics {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) CreateFeature(_ context.Context, feature core.Feature) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if feature.ID == "" {
		feature.ID = uuid.NewString()
	}
	if feature.CreatedAt.IsZero() {
		feature.CreatedAt = time.Now().UTC()
	}
	m.features[feature.ID] = feature
	return feature, nil
}

func (m *InMemory) GetFeature(_ context.Context, id string) (core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	feature, ok := m.features[id]
	if !ok {
		return core.Feature{}, core.ErrNotFound
	}
	return feature, nil
}

func (m *InMemory) ListFeatures(_ context.Context, epicID string) ([]core.Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Feature
	for _, f := range m.features {
		if epicID == "" || f.EpicID == epicID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) CreateTask(_ context.Context, task core.Task) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskPending
	}
	task.LockedBy = ""
	task.LockedAt = nil
	m.tasks[task.ID] = task
	m.record(core.Change{Type: core.ChangeTaskCreated, TaskID: task.ID, NewStatus: task.Status})
	return task, nil
}

func (m *InMemory) GetTask(_ context.Context, id string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	return task, nil
}

func (m *InMemory) ListTasks(_ context.Context, status core.TaskStatus, role core.Role) ([]core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Task
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		if role != "" && t.TargetRole != role {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) EligiblePool(ctx context.Context, role core.Role) ([]core.Task, error) {
	return m.ListTasks(ctx, core.TaskCreated, role)
}

func (m *InMemory) PromoteTask(_ context.Context, id string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if task.Status != core.TaskPending {
		return core.Task{}, &core.InvalidTransitionError{From: task.Status, Requested: core.TaskCreated}
	}
	task.Status = core.TaskCreated
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	m.record(core.Change{Type: core.ChangeTaskPromoted, TaskID: id, OldStatus: core.TaskPending, NewStatus: core.TaskCreated})
	return task, nil
}

func (m *InMemory) AcquireLock(_ context.Context, taskID, agentID string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if task.Status != core.TaskCreated || task.LockedBy != "" {
		return core.Task{}, core.ErrAlreadyLocked
	}
	now := time.Now().UTC()
	task.Status = core.TaskLocked
	task.LockedBy = agentID
	task.LockedAt = &now
	task.UpdatedAt = now
	m.tasks[taskID] = task
	m.record(core.Change{Type: core.ChangeTaskLocked, TaskID: taskID, AgentID: agentID, OldStatus: core.TaskCreated, NewStatus: core.TaskLocked})
	return task, nil
}

func (m *InMemory) ReleaseLock(_ context.Context, taskID, agentID string, next core.TaskStatus) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if !task.Status.Held() {
		return core.Task{}, &core.InvalidTransitionError{From: task.Status, Requested: next}
	}
	if task.LockedBy != agentID {
		return core.Task{}, core.ErrNotLockHolder
	}
	old := task.Status
	task.Status = next
	task.LockedBy = ""
	task.LockedAt = nil
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task
	m.record(core.Change{Type: core.ChangeTaskReleased, TaskID: taskID, AgentID: agentID, OldStatus: old, NewStatus: next})
	return task, nil
}

func (m *InMemory) ForceRelease(_ context.Context, taskID string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if !task.Status.Held() {
		return core.Task{}, &core.InvalidTransitionError{From: task.Status, Requested: core.TaskCreated}
	}
	holder := task.LockedBy
	old := task.Status
	task.Status = core.TaskCreated
	task.LockedBy = ""
	task.LockedAt = nil
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task
	m.record(core.Change{Type: core.ChangeTaskReleased, TaskID: taskID, AgentID: holder, OldStatus: old, NewStatus: core.TaskCreated})
	return task, nil
}

func (m *InMemory) SetStatus(_ context.Context, taskID string, from, to core.TaskStatus) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if task.Status != from {
		return core.Task{}, &core.InvalidTransitionError{From: task.Status, Requested: to}
	}
	task.Status = to
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task
	m.record(core.Change{Type: core.ChangeTaskStatus, TaskID: taskID, OldStatus: from, NewStatus: to})
	return task, nil
}

func (m *InMemory) UpdateTaskMeta(_ context.Context, taskID, branch, notes string) (core.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return core.Task{}, core.ErrNotFound
	}
	if branch != "" {
		task.Branch = branch
	}
	if notes != "" {
		task.Notes = notes
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task
	return task, nil
}

func (m *InMemory) ChangesSince(_ context.Context, cursor uint64, limit int) ([]core.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Change
	for _, ch := range m.changes {
		if ch.Cursor > cursor {
			out = append(out, ch)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *InMemory) Close() error { return nil }
