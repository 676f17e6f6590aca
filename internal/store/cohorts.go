package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cohortc/internal/cohort"
	"github.com/roach88/cohortc/internal/filter"
)

const cohortColumns = `id, team_id, name, is_static, filters, version, pending_version, cohort_type, deleted, errors_calculating`

// PutCohort inserts or updates a cohort definition. Membership versions,
// classification and the error counter are left alone on update.
func (s *Store) PutCohort(ctx context.Context, c *cohort.Cohort) error {
	filters := c.Filters
	if filters == nil {
		filters = &filter.Group{Operator: filter.And}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return fmt.Errorf("put cohort %d: marshal filters: %w", c.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cohorts (id, team_id, name, is_static, filters, deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			team_id   = excluded.team_id,
			name      = excluded.name,
			is_static = excluded.is_static,
			filters   = excluded.filters,
			deleted   = excluded.deleted
	`,
		c.ID,
		c.TeamID,
		c.Name,
		boolInt(c.IsStatic),
		string(filtersJSON),
		boolInt(c.Deleted),
	)
	if err != nil {
		return fmt.Errorf("put cohort %d: %w", c.ID, err)
	}
	return nil
}

// DeleteCohort soft-deletes a cohort. Loaders treat it as missing.
func (s *Store) DeleteCohort(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE cohorts SET deleted = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cohort %d: %w", id, err)
	}
	return nil
}

// SetCohortType records a cohort's classification.
func (s *Store) SetCohortType(ctx context.Context, id int64, t cohort.Type) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE cohorts SET cohort_type = ? WHERE id = ?`, t.String(), id); err != nil {
		return fmt.Errorf("set cohort type %d: %w", id, err)
	}
	return nil
}

// Get implements cohort.Loader. Deleted cohorts and cohorts of other teams
// return cohort.ErrNotFound.
func (s *Store) Get(ctx context.Context, id, teamID int64) (*cohort.Cohort, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cohortColumns+`
		FROM cohorts
		WHERE id = ? AND team_id = ? AND deleted = 0
	`, id, teamID)

	c, err := scanCohort(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cohort.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cohort %d: %w", id, err)
	}
	return c, nil
}

// GetMany implements cohort.Loader with a single query.
func (s *Store) GetMany(ctx context.Context, ids []int64, teamID int64) (map[int64]*cohort.Cohort, error) {
	out := make(map[int64]*cohort.Cohort, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, teamID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cohortColumns+`
		FROM cohorts
		WHERE team_id = ? AND deleted = 0 AND id IN (`+placeholders+`)
		ORDER BY id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query cohorts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}
	return out, nil
}

// ListCohorts returns a team's live cohorts ordered by id.
func (s *Store) ListCohorts(ctx context.Context, teamID int64) ([]*cohort.Cohort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cohortColumns+`
		FROM cohorts
		WHERE team_id = ? AND deleted = 0
		ORDER BY id ASC
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query cohorts: %w", err)
	}
	defer rows.Close()

	cohorts := []*cohort.Cohort{}
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		cohorts = append(cohorts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}
	return cohorts, nil
}

// Teams returns every team id with at least one live cohort.
func (s *Store) Teams(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT team_id FROM cohorts WHERE deleted = 0 ORDER BY team_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer rows.Close()

	var teams []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, id)
	}
	return teams, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCohort(row scanner) (*cohort.Cohort, error) {
	var (
		c              cohort.Cohort
		isStatic       int
		deleted        int
		filtersJSON    string
		version        sql.NullInt64
		pendingVersion sql.NullInt64
		cohortType     string
	)
	err := row.Scan(&c.ID, &c.TeamID, &c.Name, &isStatic, &filtersJSON,
		&version, &pendingVersion, &cohortType, &deleted, &c.ErrorsCalculating)
	if err != nil {
		return nil, err
	}

	c.IsStatic = isStatic != 0
	c.Deleted = deleted != 0
	c.Version = version.Int64
	c.PendingVersion = pendingVersion.Int64

	if c.Filters, err = filter.Parse([]byte(filtersJSON)); err != nil {
		return nil, fmt.Errorf("cohort %d filters: %w", c.ID, err)
	}
	if c.CohortType, err = cohort.ParseType(cohortType); err != nil {
		return nil, fmt.Errorf("cohort %d: %w", c.ID, err)
	}
	return &c, nil
}
