package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/cohortc/internal/cohort"
)

// ErrStaleRecalculation is returned when a recalculation has been superseded
// by a later BeginRecalculation, or has already completed or failed.
var ErrStaleRecalculation = errors.New("recalculation superseded")

// Recalculation identifies one in-flight membership recalculation.
type Recalculation struct {
	CohortID       int64  `json:"cohort_id"`
	PendingVersion int64  `json:"pending_version"`
	CalculationID  string `json:"calculation_id"`
}

// BeginRecalculation starts a recalculation: pending_version becomes
// version + 1 under a fresh calculation id. A recalculation already in flight
// is superseded.
func (s *Store) BeginRecalculation(ctx context.Context, cohortID int64) (*Recalculation, error) {
	calcID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("begin recalculation: calculation id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recalculation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var version sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT version FROM cohorts WHERE id = ? AND deleted = 0`, cohortID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("begin recalculation %d: %w", cohortID, cohort.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("begin recalculation %d: %w", cohortID, err)
	}

	pending := version.Int64 + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE cohorts SET pending_version = ?, calculation_id = ? WHERE id = ?
	`, pending, calcID.String(), cohortID); err != nil {
		return nil, fmt.Errorf("begin recalculation %d: %w", cohortID, err)
	}

	// Rows left behind by a superseded run at the same version.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_people WHERE cohort_id = ? AND version = ?
	`, cohortID, pending); err != nil {
		return nil, fmt.Errorf("begin recalculation %d: clear pending rows: %w", cohortID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("begin recalculation %d: commit: %w", cohortID, err)
	}
	return &Recalculation{CohortID: cohortID, PendingVersion: pending, CalculationID: calcID.String()}, nil
}

// WriteMembership adds people to the pending version. Uses ON CONFLICT DO
// NOTHING, so retried batches are idempotent.
func (s *Store) WriteMembership(ctx context.Context, r *Recalculation, personIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write membership: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkCurrent(ctx, tx, r); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cohort_people (cohort_id, person_id, version)
		VALUES (?, ?, ?)
		ON CONFLICT(cohort_id, person_id, version) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write membership: prepare: %w", err)
	}
	defer stmt.Close()

	for _, pid := range personIDs {
		if _, err := stmt.ExecContext(ctx, r.CohortID, pid, r.PendingVersion); err != nil {
			return fmt.Errorf("write membership %d/%s: %w", r.CohortID, pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write membership: commit: %w", err)
	}
	return nil
}

// CompleteRecalculation makes the pending version visible and drops older
// versions, in one transaction.
func (s *Store) CompleteRecalculation(ctx context.Context, r *Recalculation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete recalculation: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cohorts
		SET version = pending_version, pending_version = NULL, calculation_id = NULL
		WHERE id = ? AND calculation_id = ?
	`, r.CohortID, r.CalculationID)
	if err != nil {
		return fmt.Errorf("complete recalculation %d: %w", r.CohortID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete recalculation %d: %w", r.CohortID, err)
	} else if n == 0 {
		return fmt.Errorf("complete recalculation %d: %w", r.CohortID, ErrStaleRecalculation)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_people WHERE cohort_id = ? AND version < ?
	`, r.CohortID, r.PendingVersion); err != nil {
		return fmt.Errorf("complete recalculation %d: drop old versions: %w", r.CohortID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete recalculation %d: commit: %w", r.CohortID, err)
	}
	return nil
}

// FailRecalculation abandons a recalculation: the pending rows are discarded,
// errors_calculating is incremented, and the visible version is unchanged.
func (s *Store) FailRecalculation(ctx context.Context, r *Recalculation, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail recalculation: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cohorts
		SET errors_calculating = errors_calculating + 1, pending_version = NULL, calculation_id = NULL
		WHERE id = ? AND calculation_id = ?
	`, r.CohortID, r.CalculationID)
	if err != nil {
		return fmt.Errorf("fail recalculation %d: %w", r.CohortID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("fail recalculation %d: %w", r.CohortID, err)
	} else if n == 0 {
		return fmt.Errorf("fail recalculation %d: %w", r.CohortID, ErrStaleRecalculation)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_people WHERE cohort_id = ? AND version = ?
	`, r.CohortID, r.PendingVersion); err != nil {
		return fmt.Errorf("fail recalculation %d: discard pending rows: %w", r.CohortID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail recalculation %d: commit: %w", r.CohortID, err)
	}

	s.logger.Warn("cohort recalculation failed",
		zap.Int64("cohort_id", r.CohortID),
		zap.Int64("pending_version", r.PendingVersion),
		zap.String("calculation_id", r.CalculationID),
		zap.Error(cause),
	)
	return nil
}

// WriteFunc adds people to the recalculation in progress.
type WriteFunc func(ctx context.Context, personIDs ...string) error

// Recalculate runs fn inside the membership protocol. fn streams members
// through write; if fn returns an error the recalculation fails and the
// error is returned.
func (s *Store) Recalculate(ctx context.Context, cohortID int64, fn func(ctx context.Context, write WriteFunc) error) error {
	r, err := s.BeginRecalculation(ctx, cohortID)
	if err != nil {
		return err
	}

	write := func(ctx context.Context, personIDs ...string) error {
		return s.WriteMembership(ctx, r, personIDs...)
	}
	if err := fn(ctx, write); err != nil {
		// The caller's context may be done; recording the failure must not be.
		if ferr := s.FailRecalculation(context.WithoutCancel(ctx), r, err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return s.CompleteRecalculation(ctx, r)
}

// Members returns the visible membership of a cohort, ordered by person id.
// Static cohorts read their explicit membership.
func (s *Store) Members(ctx context.Context, cohortID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.person_id
		FROM cohort_people p
		JOIN cohorts c ON c.id = p.cohort_id AND p.version = c.version
		WHERE p.cohort_id = ? AND c.is_static = 0
		UNION
		SELECT s.person_id
		FROM person_static_cohort s
		JOIN cohorts c ON c.id = s.cohort_id
		WHERE s.cohort_id = ? AND c.is_static = 1
		ORDER BY 1 ASC
	`, cohortID, cohortID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// AddStaticMembers records explicit members of a static cohort.
func (s *Store) AddStaticMembers(ctx context.Context, teamID, cohortID int64, personIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add static members: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, pid := range personIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO person_static_cohort (cohort_id, team_id, person_id)
			VALUES (?, ?, ?)
			ON CONFLICT(cohort_id, person_id) DO NOTHING
		`, cohortID, teamID, pid); err != nil {
			return fmt.Errorf("add static member %d/%s: %w", cohortID, pid, err)
		}
	}
	return tx.Commit()
}

func checkCurrent(ctx context.Context, tx *sql.Tx, r *Recalculation) error {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT calculation_id FROM cohorts WHERE id = ?`, r.CohortID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cohort %d: %w", r.CohortID, cohort.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check recalculation %d: %w", r.CohortID, err)
	}
	if !current.Valid || current.String != r.CalculationID {
		return fmt.Errorf("recalculation %s of cohort %d: %w", r.CalculationID, r.CohortID, ErrStaleRecalculation)
	}
	return nil
}
