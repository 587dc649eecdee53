package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Recurring Schedules ────────────────────────────────────────────────────

// SaveSchedule inserts or replaces a recurring schedule.
func (d *DB) SaveSchedule(ctx context.Context, s domain.Schedule) error {
	tmpl, err := json.Marshal(s.Template)
	if err != nil {
		return fmt.Errorf("encode schedule template: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO schedules (id, name, cron_expr, template, enabled, created_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.CronExpr, string(tmpl), s.Enabled,
		s.CreatedAt.Unix(), nullableUnix(s.LastRunAt))
	return err
}

// GetSchedule returns a schedule by ID, or nil.
func (d *DB) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, template, enabled, created_at, last_run_at
		 FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSchedules returns all schedules, oldest first.
func (d *DB) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, template, enabled, created_at, last_run_at
		 FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule. Returns false if it did not exist.
func (d *DB) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchSchedule records the last firing time.
func (d *DB) TouchSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, at.Unix(), id)
	return err
}

func scanSchedule(sc scanner) (domain.Schedule, error) {
	var s domain.Schedule
	var tmpl string
	var createdAt int64
	var lastRunAt sql.NullInt64
	err := sc.Scan(&s.ID, &s.Name, &s.CronExpr, &tmpl, &s.Enabled, &createdAt, &lastRunAt)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(tmpl), &s.Template); err != nil {
		return s, fmt.Errorf("decode schedule template for %s: %w", s.ID, err)
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.LastRunAt = unixOrZero(lastRunAt)
	return s, nil
}
