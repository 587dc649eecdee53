package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Settlements ────────────────────────────────────────────────────────────

// SaveSettlement records a pending escrow resolution for a task. A task
// settles exactly once; a second insert for the same task is a bug that
// surfaces as a constraint error.
func (d *DB) SaveSettlement(ctx context.Context, s domain.Settlement) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settlements (task_id, kind, amount, reason, settled, attempts, next_attempt_at, created_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TaskID, string(s.Kind), s.Amount, nullStr(s.Reason), s.Settled,
		s.Attempts, s.NextAttemptAt.Unix(), s.CreatedAt.Unix(), nullableUnix(s.SettledAt))
	return err
}

// MarkSettled closes out a settlement after the collaborator accepted it.
func (d *DB) MarkSettled(ctx context.Context, taskID string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE settlements SET settled = 1, settled_at = ? WHERE task_id = ?`,
		at.Unix(), taskID)
	return err
}

// BumpSettlement records a failed attempt and schedules the next one.
func (d *DB) BumpSettlement(ctx context.Context, taskID string, next time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE settlements SET attempts = attempts + 1, next_attempt_at = ? WHERE task_id = ?`,
		next.Unix(), taskID)
	return err
}

// UnsettledDue returns settlements whose next attempt is due.
func (d *DB) UnsettledDue(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT task_id, kind, amount, reason, settled, attempts, next_attempt_at, created_at, settled_at
		 FROM settlements WHERE settled = 0 AND next_attempt_at <= ?
		 ORDER BY next_attempt_at LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, s)
	}
	return due, rows.Err()
}

// GetSettlement returns a task's settlement record, or nil.
func (d *DB) GetSettlement(ctx context.Context, taskID string) (*domain.Settlement, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT task_id, kind, amount, reason, settled, attempts, next_attempt_at, created_at, settled_at
		 FROM settlements WHERE task_id = ?`, taskID)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSettlement(s scanner) (domain.Settlement, error) {
	var out domain.Settlement
	var kind string
	var reason sql.NullString
	var nextAt, createdAt int64
	var settledAt sql.NullInt64
	err := s.Scan(&out.TaskID, &kind, &out.Amount, &reason, &out.Settled,
		&out.Attempts, &nextAt, &createdAt, &settledAt)
	if err != nil {
		return out, err
	}
	out.Kind = domain.SettlementKind(kind)
	out.Reason = reason.String
	out.NextAttemptAt = time.Unix(nextAt, 0).UTC()
	out.CreatedAt = time.Unix(createdAt, 0).UTC()
	out.SettledAt = unixOrZero(settledAt)
	return out, nil
}
