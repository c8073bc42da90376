package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker +
// RetryOnDBLock to absorb transient SQLite errors. Expected coordination
// outcomes (AlreadyLocked, NotLockHolder, invalid transitions, not-found)
// are business results, not infrastructure failures: they bypass the
// breaker's failure count and are never retried.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current breaker state as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) run(fn func() error) error {
	var outcome error
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(func() error {
			err := fn()
			if isCoordinationOutcome(err) {
				outcome = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return outcome
}

func isCoordinationOutcome(err error) bool {
	if err == nil {
		return false
	}
	var ite *core.InvalidTransitionError
	return errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrAlreadyLocked) ||
		errors.Is(err, core.ErrNotLockHolder) ||
		errors.As(err, &ite)
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.RegisterAgent(ctx, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Heartbeat(ctx context.Context, agentID string) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.Heartbeat(ctx, agentID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetAgent(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	var result []core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgents(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateEpic(ctx context.Context, epic core.Epic) (core.Epic, error) {
	var result core.Epic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateEpic(ctx, epic)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetEpic(ctx context.Context, id string) (core.Epic, error) {
	var result core.Epic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetEpic(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListEpics(ctx context.Context) ([]core.Epic, error) {
	var result []core.Epic
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListEpics(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateFeature(ctx context.Context, feature core.Feature) (core.Feature, error) {
	var result core.Feature
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateFeature(ctx, feature)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetFeature(ctx context.Context, id string) (core.Feature, error) {
	var result core.Feature
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetFeature(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListFeatures(ctx context.Context, epicID string) ([]core.Feature, error) {
	var result []core.Feature
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListFeatures(ctx, epicID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CreateTask(ctx context.Context, task core.Task) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CreateTask(ctx, task)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetTask(ctx context.Context, id string) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetTask(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListTasks(ctx context.Context, status core.TaskStatus, role core.Role) ([]core.Task, error) {
	var result []core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListTasks(ctx, status, role)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) EligiblePool(ctx context.Context, role core.Role) ([]core.Task, error) {
	var result []core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.EligiblePool(ctx, role)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PromoteTask(ctx context.Context, id string) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.PromoteTask(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) AcquireLock(ctx context.Context, taskID, agentID string) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AcquireLock(ctx, taskID, agentID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ReleaseLock(ctx context.Context, taskID, agentID string, next core.TaskStatus) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ReleaseLock(ctx, taskID, agentID, next)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ForceRelease(ctx context.Context, taskID string) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ForceRelease(ctx, taskID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SetStatus(ctx context.Context, taskID string, from, to core.TaskStatus) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.SetStatus(ctx, taskID, from, to)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) UpdateTaskMeta(ctx context.Context, taskID, branch, notes string) (core.Task, error) {
	var result core.Task
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.UpdateTaskMeta(ctx, taskID, branch, notes)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ChangesSince(ctx context.Context, cursor uint64, limit int) ([]core.Change, error) {
	var result []core.Change
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ChangesSince(ctx, cursor, limit)
		return innerErr
	})
	return result, err
}

// Close delegates directly to the inner store without breaker or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
