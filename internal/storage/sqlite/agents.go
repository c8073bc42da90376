package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/conclave/internal/core"
)

func (s *Store) RegisterAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	now := time.Now().UTC()
	if agent.Connection == "" {
		agent.Connection = core.ConnectionClient
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Agent{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var createdAt string
	err = tx.QueryRow(`SELECT created_at FROM agents WHERE id = ?`, agent.ID).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		agent.CreatedAt = now
		agent.LastSeen = now
		if _, err := tx.Exec(
			`INSERT INTO agents (id, role, skill_level, connection, created_at, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			agent.ID, string(agent.Role), string(agent.SkillLevel), string(agent.Connection),
			ts(agent.CreatedAt), ts(agent.LastSeen),
		); err != nil {
			return core.Agent{}, fmt.Errorf("insert agent: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO changelog (type, agent_id, created_at) VALUES (?, ?, ?)`,
			string(core.ChangeAgentRegistered), agent.ID, ts(now),
		); err != nil {
			return core.Agent{}, fmt.Errorf("insert changelog: %w", err)
		}
	case err != nil:
		return core.Agent{}, fmt.Errorf("lookup agent: %w", err)
	default:
		// Re-registration refreshes role and level but keeps the identity.
		agent.CreatedAt = parseTS(createdAt)
		agent.LastSeen = now
		if _, err := tx.Exec(
			`UPDATE agents SET role = ?, skill_level = ?, connection = ?, last_seen = ? WHERE id = ?`,
			string(agent.Role), string(agent.SkillLevel), string(agent.Connection), ts(now), agent.ID,
		); err != nil {
			return core.Agent{}, fmt.Errorf("update agent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return core.Agent{}, fmt.Errorf("commit: %w", err)
	}
	return agent, nil
}

func (s *Store) Heartbeat(ctx context.Context, agentID string) (core.Agent, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE agents SET last_seen = ? WHERE id = ?`, ts(now), agentID)
	if err != nil {
		return core.Agent{}, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Agent{}, fmt.Errorf("heartbeat rows: %w", err)
	}
	if n == 0 {
		return core.Agent{}, core.ErrNotFound
	}
	return s.GetAgent(ctx, agentID)
}

func (s *Store) GetAgent(_ context.Context, id string) (core.Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, role, skill_level, connection, created_at, last_seen FROM agents WHERE id = ?`, id,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, core.ErrNotFound
	}
	return agent, err
}

func (s *Store) ListAgents(_ context.Context) ([]core.Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, role, skill_level, connection, created_at, last_seen FROM agents ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (core.Agent, error) {
	var (
		id, role, level, conn, createdAt, lastSeen string
	)
	if err := r.Scan(&id, &role, &level, &conn, &createdAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Agent{}, err
		}
		return core.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	return core.Agent{
		ID:         id,
		Role:       core.Role(role),
		SkillLevel: core.SkillLevel(level),
		Connection: core.ConnectionKind(conn),
		CreatedAt:  parseTS(createdAt),
		LastSeen:   parseTS(lastSeen),
	}, nil
}
