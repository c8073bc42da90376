package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/conclave/internal/core"
)

const taskColumns = `id, epic_id, feature_id, title, description, target_role, skill_level,
	complexity, status, locked_by, locked_at, branch, notes, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, task core.Task) (core.Task, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO tasks (id, epic_id, feature_id, title, description, target_role, skill_level,
		 complexity, status, branch, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.EpicID, task.FeatureID, task.Title, task.Description,
		string(task.TargetRole), string(task.SkillLevel), string(task.Complexity),
		string(task.Status), task.Branch, task.Notes, ts(task.CreatedAt), ts(task.UpdatedAt),
	); err != nil {
		return core.Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := appendChange(tx, core.Change{Type: core.ChangeTaskCreated, TaskID: task.ID, NewStatus: task.Status}); err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *Store) GetTask(_ context.Context, id string) (core.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, core.ErrNotFound
	}
	return task, err
}

func (s *Store) ListTasks(_ context.Context, status core.TaskStatus, role core.Role) ([]core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
		if role != "" {
			query += " AND target_role = ?"
			args = append(args, string(role))
		}
	} else if role != "" {
		query += " WHERE target_role = ?"
		args = append(args, string(role))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) EligiblePool(ctx context.Context, role core.Role) ([]core.Task, error) {
	return s.ListTasks(ctx, core.TaskCreated, role)
}

func (s *Store) PromoteTask(ctx context.Context, id string) (core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(core.TaskCreated), ts(now), id, string(core.TaskPending),
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("promote task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("promote rows: %w", err)
	}
	if n == 0 {
		return core.Task{}, s.explainConditionalFailure(tx, id, core.TaskCreated)
	}
	if err := appendChange(tx, core.Change{
		Type: core.ChangeTaskPromoted, TaskID: id,
		OldStatus: core.TaskPending, NewStatus: core.TaskCreated,
	}); err != nil {
		return core.Task{}, err
	}
	task, err := taskInTx(tx, id)
	if err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// AcquireLock is the contention point for the whole system. The WHERE clause
// carries the entire decision: the task must still be created and unheld at
// the instant the UPDATE runs. RowsAffected is the only success signal.
func (s *Store) AcquireLock(ctx context.Context, taskID, agentID string) (core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by IS NULL`,
		string(core.TaskLocked), agentID, ts(now), ts(now),
		taskID, string(core.TaskCreated),
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("acquire rows: %w", err)
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.Task{}, core.ErrNotFound
			}
			return core.Task{}, fmt.Errorf("acquire lookup: %w", err)
		}
		return core.Task{}, core.ErrAlreadyLocked
	}

	if err := appendChange(tx, core.Change{
		Type: core.ChangeTaskLocked, TaskID: taskID, AgentID: agentID,
		OldStatus: core.TaskCreated, NewStatus: core.TaskLocked,
	}); err != nil {
		return core.Task{}, err
	}
	task, err := taskInTx(tx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// ReleaseLock moves a held task to next and clears the lock in the same
// UPDATE, keeping locked_by consistent with the held-state invariant.
func (s *Store) ReleaseLock(ctx context.Context, taskID, agentID string, next core.TaskStatus) (core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND locked_by = ?`,
		string(next), ts(now), taskID, string(core.TaskLocked), agentID,
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("release rows: %w", err)
	}
	if n == 0 {
		cur, err := taskInTx(tx, taskID)
		if errors.Is(err, core.ErrNotFound) {
			return core.Task{}, core.ErrNotFound
		}
		if err != nil {
			return core.Task{}, err
		}
		if cur.Status.Held() && cur.LockedBy != agentID {
			return core.Task{}, core.ErrNotLockHolder
		}
		return core.Task{}, &core.InvalidTransitionError{From: cur.Status, Requested: next}
	}

	if err := appendChange(tx, core.Change{
		Type: core.ChangeTaskReleased, TaskID: taskID, AgentID: agentID,
		OldStatus: core.TaskLocked, NewStatus: next,
	}); err != nil {
		return core.Task{}, err
	}
	task, err := taskInTx(tx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// ForceRelease is the administrative recovery path for locks whose holder
// died. The task goes back to created so any eligible agent can pick it up.
func (s *Store) ForceRelease(ctx context.Context, taskID string) (core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, err := taskInTx(tx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	holder := cur.LockedBy

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(core.TaskCreated), ts(now), taskID, string(core.TaskLocked),
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("force release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("force release rows: %w", err)
	}
	if n == 0 {
		return core.Task{}, &core.InvalidTransitionError{From: cur.Status, Requested: core.TaskCreated}
	}

	if err := appendChange(tx, core.Change{
		Type: core.ChangeTaskReleased, TaskID: taskID, AgentID: holder,
		OldStatus: core.TaskLocked, NewStatus: core.TaskCreated,
	}); err != nil {
		return core.Task{}, err
	}
	task, err := taskInTx(tx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *Store) SetStatus(ctx context.Context, taskID string, from, to core.TaskStatus) (core.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), ts(now), taskID, string(from),
	)
	if err != nil {
		return core.Task{}, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("set status rows: %w", err)
	}
	if n == 0 {
		return core.Task{}, s.explainConditionalFailure(tx, taskID, to)
	}

	if err := appendChange(tx, core.Change{
		Type: core.ChangeTaskStatus, TaskID: taskID, OldStatus: from, NewStatus: to,
	}); err != nil {
		return core.Task{}, err
	}
	task, err := taskInTx(tx, taskID)
	if err != nil {
		return core.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (s *Store) UpdateTaskMeta(ctx context.Context, taskID, branch, notes string) (core.Task, error) {
	now := time.Now().UTC()
	query := `UPDATE tasks SET updated_at = ?`
	args := []any{ts(now)}
	if branch != "" {
		query += `, branch = ?`
		args = append(args, branch)
	}
	if notes != "" {
		query += `, notes = ?`
		args = append(args, notes)
	}
	query += ` WHERE id = ?`
	args = append(args, taskID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return core.Task{}, fmt.Errorf("update task meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Task{}, fmt.Errorf("update meta rows: %w", err)
	}
	if n == 0 {
		return core.Task{}, core.ErrNotFound
	}
	return s.GetTask(ctx, taskID)
}

func (s *Store) ChangesSince(_ context.Context, cursor uint64, limit int) ([]core.Change, error) {
	query := `SELECT cursor, type, task_id, agent_id, old_status, new_status, created_at
		 FROM changelog WHERE cursor > ? ORDER BY cursor ASC`
	args := []any{cursor}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changelog: %w", err)
	}
	defer rows.Close()

	var out []core.Change
	for rows.Next() {
		var (
			cur                                            int64
			typ, taskID, agentID, oldSt, newSt, createdAt string
		)
		if err := rows.Scan(&cur, &typ, &taskID, &agentID, &oldSt, &newSt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan changelog: %w", err)
		}
		out = append(out, core.Change{
			Cursor:    uint64(cur),
			Type:      core.ChangeType(typ),
			TaskID:    taskID,
			AgentID:   agentID,
			OldStatus: core.TaskStatus(oldSt),
			NewStatus: core.TaskStatus(newSt),
			CreatedAt: parseTS(createdAt),
		})
	}
	return out, rows.Err()
}

// explainConditionalFailure turns a zero-rows conditional UPDATE into the
// right error: missing task vs a state that no longer matches.
func (s *Store) explainConditionalFailure(tx *sql.Tx, taskID string, requested core.TaskStatus) error {
	var status string
	err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("explain failure: %w", err)
	}
	return &core.InvalidTransitionError{From: core.TaskStatus(status), Requested: requested}
}

func appendChange(tx *sql.Tx, ch core.Change) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(
		`INSERT INTO changelog (type, task_id, agent_id, old_status, new_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(ch.Type), ch.TaskID, ch.AgentID, string(ch.OldStatus), string(ch.NewStatus), ts(ch.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert changelog: %w", err)
	}
	return nil
}

func taskInTx(tx *sql.Tx, id string) (core.Task, error) {
	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Task{}, core.ErrNotFound
	}
	return task, err
}

func scanTask(r rowScanner) (core.Task, error) {
	var (
		id, epicID, featureID, title, description          string
		targetRole, skillLevel, complexity, status         string
		branch, notes, createdAt, updatedAt                string
		lockedBy, lockedAt                                 sql.NullString
	)
	if err := r.Scan(
		&id, &epicID, &featureID, &title, &description,
		&targetRole, &skillLevel, &complexity, &status,
		&lockedBy, &lockedAt, &branch, &notes, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Task{}, err
		}
		return core.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task := core.Task{
		ID:          id,
		EpicID:      epicID,
		FeatureID:   featureID,
		Title:       title,
		Description: description,
		TargetRole:  core.Role(targetRole),
		SkillLevel:  core.SkillLevel(skillLevel),
		Complexity:  core.Complexity(complexity),
		Status:      core.TaskStatus(status),
		Branch:      branch,
		Notes:       notes,
		CreatedAt:   parseTS(createdAt),
		UpdatedAt:   parseTS(updatedAt),
	}
	if lockedBy.Valid {
		task.LockedBy = lockedBy.String
	}
	if lockedAt.Valid {
		t := parseTS(lockedAt.String)
		task.LockedAt = &t
	}
	return task, nil
}
