package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/cohortc/internal/action"
	"github.com/roach88/cohortc/internal/columns"
)

// PutAction inserts or replaces an action.
func (s *Store) PutAction(ctx context.Context, a *action.Action) error {
	steps := a.Steps
	if steps == nil {
		steps = []action.Step{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("put action %d: marshal steps: %w", a.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, team_id, name, steps, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id = excluded.team_id,
			name    = excluded.name,
			steps   = excluded.steps,
			deleted = excluded.deleted
	`, a.ID, a.TeamID, a.Name, string(stepsJSON), boolInt(a.Deleted))
	if err != nil {
		return fmt.Errorf("put action %d: %w", a.ID, err)
	}
	return nil
}

// Steps implements action.Resolver.
func (s *Store) Steps(ctx context.Context, actionID, teamID int64) ([]action.Step, error) {
	var stepsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT steps FROM actions
		WHERE id = ? AND team_id = ? AND deleted = 0
	`, actionID, teamID).Scan(&stepsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", actionID, action.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action %d: %w", actionID, err)
	}

	var steps []action.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return nil, fmt.Errorf("action %d steps: %w", actionID, err)
	}
	return steps, nil
}

// ListActions returns a team's live actions ordered by id.
func (s *Store) ListActions(ctx context.Context, teamID int64) ([]*action.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, name, steps FROM actions
		WHERE team_id = ? AND deleted = 0
		ORDER BY id ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []*action.Action{}
	for rows.Next() {
		var (
			a         action.Action
			stepsJSON string
		)
		if err := rows.Scan(&a.ID, &a.TeamID, &a.Name, &stepsJSON); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &a.Steps); err != nil {
			return nil, fmt.Errorf("action %d steps: %w", a.ID, err)
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// PutMaterializedColumn records a materialized column. Re-recording the same
// (table, table column, property) replaces the physical column.
func (s *Store) PutMaterializedColumn(ctx context.Context, e columns.Entry) error {
	if !columns.ValidIdentifier(e.ColumnName) {
		return fmt.Errorf("put materialized column: %q is not a valid identifier", e.ColumnName)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialized_columns
		(table_name, table_column, property_name, column_name, is_nullable, has_minmax_index)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, table_column, property_name) DO UPDATE SET
			column_name      = excluded.column_name,
			is_nullable      = excluded.is_nullable,
			has_minmax_index = excluded.has_minmax_index
	`, e.Table, e.TableColumn, e.PropertyName, e.ColumnName, boolInt(e.IsNullable), boolInt(e.HasMinMaxIndex))
	if err != nil {
		return fmt.Errorf("put materialized column %s.%s: %w", e.Table, e.ColumnName, err)
	}
	return nil
}

// MaterializedColumns implements columns.Source.
func (s *Store) MaterializedColumns(ctx context.Context, table string) ([]columns.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, table_column, property_name, column_name, is_nullable, has_minmax_index
		FROM materialized_columns
		WHERE table_name = ?
		ORDER BY table_column ASC, property_name ASC
	`, table)
	if err != nil {
		return nil, fmt.Errorf("query materialized columns: %w", err)
	}
	defer rows.Close()

	var entries []columns.Entry
	for rows.Next() {
		var (
			e                  columns.Entry
			nullable, hasIndex int
		)
		if err := rows.Scan(&e.Table, &e.TableColumn, &e.PropertyName, &e.ColumnName, &nullable, &hasIndex); err != nil {
			return nil, fmt.Errorf("scan materialized column: %w", err)
		}
		e.IsNullable = nullable != 0
		e.HasMinMaxIndex = hasIndex != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materialized columns: %w", err)
	}
	return entries, nil
}
