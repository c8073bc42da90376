// Package lock is the single owner of task lock transfers. Handlers and
// agents never flip lock state through the store directly; every acquire,
// release and administrative recovery goes through the Manager so that
// transition rules and waiter wakeups stay in one place.
package lock

import (
	"context"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/storage"
)

// Waker is notified whenever a task (re)enters the pick-able pool.
type Waker interface {
	Notify()
}

type Manager struct {
	store  storage.Store
	policy core.TransitionPolicy
	waker  Waker
}

func NewManager(store storage.Store, policy core.TransitionPolicy, waker Waker) *Manager {
	return &Manager{store: store, policy: policy, waker: waker}
}

// Acquire claims a task for an agent. The store's conditional update decides
// the winner; there is no pre-check that could race.
func (m *Manager) Acquire(ctx context.Context, taskID, agentID string) (core.Task, error) {
	return m.store.AcquireLock(ctx, taskID, agentID)
}

// Release moves a held task to next and hands the lock back. Only the
// recorded holder may release; the transition policy bounds where a held
// task may go.
func (m *Manager) Release(ctx context.Context, taskID, agentID string, next core.TaskStatus, actor core.Role) (core.Task, error) {
	if err := m.policy.ValidateTransition(core.TaskLocked, next, actor); err != nil {
		return core.Task{}, err
	}
	task, err := m.store.ReleaseLock(ctx, taskID, agentID, next)
	if err != nil {
		return core.Task{}, err
	}
	if next == core.TaskCreated {
		m.wake()
	}
	return task, nil
}

// ForceRelease is the explicit administrative recovery path for locks whose
// holder died. It is never run automatically.
func (m *Manager) ForceRelease(ctx context.Context, taskID string) (core.Task, error) {
	task, err := m.store.ForceRelease(ctx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	m.wake()
	return task, nil
}

// StaleLock pairs a held task with how long its holder has been silent.
type StaleLock struct {
	Task       core.Task     `json:"task"`
	AgentID    string        `json:"agent_id"`
	SilentFor  time.Duration `json:"silent_for_ns"`
	AgentGone  bool          `json:"agent_gone"`
}

// StaleLocks lists held tasks whose holder has not heartbeaten within grace.
// Holders that were never registered (or were deleted) always count as stale.
func (m *Manager) StaleLocks(ctx context.Context, grace time.Duration) ([]StaleLock, error) {
	held, err := m.store.ListTasks(ctx, core.TaskLocked, "")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []StaleLock
	for _, task := range held {
		agent, err := m.store.GetAgent(ctx, task.LockedBy)
		if err != nil {
			out = append(out, StaleLock{Task: task, AgentID: task.LockedBy, AgentGone: true})
			continue
		}
		if silent := now.Sub(agent.LastSeen); silent > grace {
			out = append(out, StaleLock{Task: task, AgentID: task.LockedBy, SilentFor: silent})
		}
	}
	return out, nil
}

func (m *Manager) wake() {
	if m.waker != nil {
		m.waker.Notify()
	}
}
