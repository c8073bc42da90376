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

// Epic operations

func (s *Store) CreateEpic(_ context.Context, epic core.Epic) (core.Epic, error) {
	if epic.ID == "" {
		epic.ID = uuid.NewString()
	}
	if epic.CreatedAt.IsZero() {
		epic.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO epics (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		epic.ID, epic.Name, epic.Description, ts(epic.CreatedAt),
	)
	if err != nil {
		return core.Epic{}, fmt.Errorf("create epic: %w", err)
	}
	return epic, nil
}

func (s *Store) GetEpic(_ context.Context, id string) (core.Epic, error) {
	var (
		name, description, createdAt string
	)
	err := s.db.QueryRow(
		`SELECT name, description, created_at FROM epics WHERE id = ?`, id,
	).Scan(&name, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Epic{}, core.ErrNotFound
	}
	if err != nil {
		return core.Epic{}, fmt.Errorf("get epic: %w", err)
	}
	return core.Epic{ID: id, Name: name, Description: description, CreatedAt: parseTS(createdAt)}, nil
}

func (s *Store) ListEpics(_ context.Context) ([]core.Epic, error) {
	rows, err := s.db.Query(`SELECT id, name, description, created_at FROM epics ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()

	var out []core.Epic
	for rows.Next() {
		var id, name, description, createdAt string
		if err := rows.Scan(&id, &name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, core.Epic{ID: id, Name: name, Description: description, CreatedAt: parseTS(createdAt)})
	}
	return out, rows.Err()
}

// Feature operations

func (s *Store) CreateFeature(_ context.Context, feature core.Feature) (core.Feature, error) {
	if feature.ID == "" {
		feature.ID = uuid.NewString()
	}
	if feature.CreatedAt.IsZero() {
		feature.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO features (id, epic_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		feature.ID, feature.EpicID, feature.Name, feature.Description, ts(feature.CreatedAt),
	)
	if err != nil {
		return core.Feature{}, fmt.Errorf("create feature: %w", err)
	}
	return feature, nil
}

func (s *Store) GetFeature(_ context.Context, id string) (core.Feature, error) {
	var epicID, name, description, createdAt string
	err := s.db.QueryRow(
		`SELECT epic_id, name, description, created_at FROM features WHERE id = ?`, id,
	).Scan(&epicID, &name, &description, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Feature{}, core.ErrNotFound
	}
	if err != nil {
		return core.Feature{}, fmt.Errorf("get feature: %w", err)
	}
	return core.Feature{ID: id, EpicID: epicID, Name: name, Description: description, CreatedAt: parseTS(createdAt)}, nil
}

func (s *Store) ListFeatures(_ context.Context, epicID string) ([]core.Feature, error) {
	query := `SELECT id, epic_id, name, description, created_at FROM features`
	var args []any
	if epicID != "" {
		query += " WHERE epic_id = ?"
		args = append(args, epicID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []core.Feature
	for rows.Next() {
		var id, epic, name, description, createdAt string
		if err := rows.Scan(&id, &epic, &name, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, core.Feature{ID: id, EpicID: epic, Name: name, Description: description, CreatedAt: parseTS(createdAt)})
	}
	return out, rows.Err()
}
