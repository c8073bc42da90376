// Package wait implements long-poll task dispatch. An agent parks in
// NextTask until a matching task appears, the wait budget runs out, or the
// caller gives up. Wakeups come from the lock manager and task handlers;
// a bounded fallback ticker guards against missed notifications without
// busy-spinning.
package wait

import (
	"context"
	"sync"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/match"
	"github.com/mistakeknot/conclave/internal/storage"
)

const defaultPollInterval = 2 * time.Second

type Coordinator struct {
	store    storage.Store
	interval time.Duration

	mu      sync.Mutex
	waiters map[chan struct{}]struct{}
}

func NewCoordinator(store storage.Store) *Coordinator {
	return NewCoordinatorWithInterval(store, defaultPollInterval)
}

func NewCoordinatorWithInterval(store storage.Store, interval time.Duration) *Coordinator {
	return &Coordinator{
		store:    store,
		interval: interval,
		waiters:  make(map[chan struct{}]struct{}),
	}
}

// Notify wakes every parked waiter. Safe to call from any goroutine; a
// notification with nobody waiting is a no-op.
func (c *Coordinator) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// NextTask blocks until an eligible task exists for the role and level, or
// until wait elapses. A timeout is an outcome, not an error: it returns
// ok=false with a nil error. The returned task is a candidate only; the
// caller still has to win the lock.
func (c *Coordinator) NextTask(ctx context.Context, role core.Role, level core.SkillLevel, wait time.Duration) (core.Task, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		pool, err := c.store.EligiblePool(ctx, role)
		if err != nil {
			return core.Task{}, false, err
		}
		if task, ok := match.FindEligible(role, level, pool); ok {
			return task, true, nil
		}

		ch := c.subscribe()
		select {
		case <-ctx.Done():
			c.unsubscribe(ch)
			return core.Task{}, false, ctx.Err()
		case <-timer.C:
			c.unsubscribe(ch)
			return core.Task{}, false, nil
		case <-ch:
		case <-ticker.C:
		}
		c.unsubscribe(ch)
	}
}

func (c *Coordinator) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

func (c *Coordinator) unsubscribe(ch chan struct{}) {
	c.mu.Lock()
	delete(c.waiters, ch)
	c.mu.Unlock()
}
