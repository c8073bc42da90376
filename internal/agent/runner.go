// Package agent implements the worker loop a coordination agent runs: ask
// for work, lock it, journal the claim, execute, release. Recovery from the
// journal happens before the first poll so a crashed agent resumes (or
// abandons) its held task instead of leaking the lock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/mistakeknot/conclave/client"
	"github.com/mistakeknot/conclave/internal/core"
	"github.com/mistakeknot/conclave/internal/journal"
)

// API is the slice of the server client the runner needs. *client.Client
// satisfies it.
type API interface {
	NextTask(ctx context.Context, role, level string, wait time.Duration) (core.Task, bool, error)
	LockTask(ctx context.Context, taskID, agentID string) (core.Task, error)
	ReleaseTask(ctx context.Context, taskID string, req client.ReleaseRequest) (core.Task, error)
	GetTask(ctx context.Context, taskID string) (core.Task, error)
	Heartbeat(ctx context.Context, agentID string) error
}

// Result is what an executor produced for a task.
type Result struct {
	Status core.TaskStatus
	Branch string
	Notes  string
}

// Executor does the actual work for a claimed task.
type Executor interface {
	Execute(ctx context.Context, task core.Task) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task core.Task) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task core.Task) (Result, error) {
	return f(ctx, task)
}

type Config struct {
	AgentID string
	Role    core.Role
	Level   core.SkillLevel

	// WaitWindow is the long-poll window per NextTask call.
	WaitWindow time.Duration

	// HeartbeatInterval keeps the agent's last_seen fresh so its locks are
	// not flagged stale.
	HeartbeatInterval time.Duration

	// Out receives the colored status lines. Defaults to stdout.
	Out io.Writer
}

type Runner struct {
	api  API
	jr   *journal.Journal
	exec Executor
	cfg  Config

	claim   *color.Color
	done    *color.Color
	warn    *color.Color
	failure *color.Color
}

func NewRunner(api API, jr *journal.Journal, exec Executor, cfg Config) *Runner {
	if cfg.WaitWindow <= 0 {
		cfg.WaitWindow = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Runner{
		api:     api,
		jr:      jr,
		exec:    exec,
		cfg:     cfg,
		claim:   color.New(color.FgCyan),
		done:    color.New(color.FgGreen),
		warn:    color.New(color.FgYellow),
		failure: color.New(color.FgRed, color.Bold),
	}
}

// Run polls for work until ctx is cancelled. Recovery runs first, with the
// heartbeat already going so a resumed task's lock never looks stale.
func (r *Runner) Run(ctx context.Context) error {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeatLoop(hbCtx)

	if err := r.recover(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := r.api.NextTask(ctx, string(r.cfg.Role), string(r.cfg.Level), r.cfg.WaitWindow)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.warn.Fprintf(r.cfg.Out, "poll failed: %v\n", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		if err := r.work(ctx, task); err != nil {
			return err
		}
	}
}

// work claims and executes one task. Losing the lock race is not an error;
// someone else got there first and the loop polls again.
func (r *Runner) work(ctx context.Context, task core.Task) error {
	locked, err := r.api.LockTask(ctx, task.ID, r.cfg.AgentID)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyLocked) || errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lock %s: %w", task.ID, err)
	}
	r.claim.Fprintf(r.cfg.Out, "claimed %s (%s)\n", locked.ID, locked.Title)

	// Journal before doing anything: a crash after this point leaves a
	// record to reconcile against on restart.
	lockedAt := time.Now().UTC()
	if locked.LockedAt != nil {
		lockedAt = *locked.LockedAt
	}
	if err := r.jr.Record(journal.Entry{
		AgentID:  r.cfg.AgentID,
		TaskID:   locked.ID,
		Title:    locked.Title,
		Status:   string(locked.Status),
		Branch:   locked.Branch,
		LockedAt: lockedAt,
	}); err != nil {
		return fmt.Errorf("journal claim: %w", err)
	}

	return r.execute(ctx, locked)
}

func (r *Runner) execute(ctx context.Context, task core.Task) error {
	res, err := r.exec.Execute(ctx, task)
	if err != nil {
		r.failure.Fprintf(r.cfg.Out, "task %s failed: %v\n", task.ID, err)
		// Hand the task back so another agent can pick it up.
		res = Result{Status: core.TaskCreated, Notes: fmt.Sprintf("abandoned: %v", err)}
	}

	if _, err := r.api.ReleaseTask(ctx, task.ID, client.ReleaseRequest{
		AgentID: r.cfg.AgentID,
		Status:  string(res.Status),
		Branch:  res.Branch,
		Notes:   res.Notes,
	}); err != nil {
		return fmt.Errorf("release %s: %w", task.ID, err)
	}
	if err := r.jr.Clear(); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	r.done.Fprintf(r.cfg.Out, "released %s -> %s\n", task.ID, res.Status)
	return nil
}

// recover reconciles the on-disk journal against the server. Three cases:
// no journal (nothing to do), the server still shows us holding the task
// (resume it), or it does not (the claim is stale, drop it).
func (r *Runner) recover(ctx context.Context) error {
	entry, found, err := r.jr.Recover()
	if err != nil {
		if errors.Is(err, core.ErrJournalCorrupt) {
			r.warn.Fprintf(r.cfg.Out, "journal corrupt, discarding: %v\n", err)
			return r.jr.Clear()
		}
		return err
	}
	if !found {
		return nil
	}

	task, err := r.api.GetTask(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return r.jr.Clear()
		}
		return fmt.Errorf("recover %s: %w", entry.TaskID, err)
	}
	if !task.Status.Held() || task.LockedBy != r.cfg.AgentID {
		// Someone force-released it or finished it while we were down.
		return r.jr.Clear()
	}

	r.warn.Fprintf(r.cfg.Out, "resuming %s after restart\n", task.ID)
	return r.execute(ctx, task)
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.api.Heartbeat(ctx, r.cfg.AgentID); err != nil && ctx.Err() == nil {
				r.warn.Fprintf(r.cfg.Out, "heartbeat failed: %v\n", err)
			}
		}
	}
}
