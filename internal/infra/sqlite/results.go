package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Assignments ────────────────────────────────────────────────────────────

// SaveAssignment records a new execution assignment.
func (d *DB) SaveAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO assignments (id, task_id, node_id, attempt, assigned_at, deadline, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.NodeID, a.Attempt, a.AssignedAt.Unix(), a.Deadline.Unix(), a.Active)
	return err
}

// DeactivateAssignments retires all active assignments for a task.
func (d *DB) DeactivateAssignments(ctx context.Context, taskID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE assignments SET active = 0 WHERE task_id = ? AND active = 1`, taskID)
	return err
}

// ActiveAssignment returns the task's active assignment, or nil.
func (d *DB) ActiveAssignment(ctx context.Context, taskID string) (*domain.Assignment, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, task_id, node_id, attempt, assigned_at, deadline, active
		 FROM assignments WHERE task_id = ? AND active = 1
		 ORDER BY attempt DESC LIMIT 1`, taskID)

	var a domain.Assignment
	var assignedAt, deadline int64
	err := row.Scan(&a.ID, &a.TaskID, &a.NodeID, &a.Attempt, &assignedAt, &deadline, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.AssignedAt = time.Unix(assignedAt, 0).UTC()
	a.Deadline = time.Unix(deadline, 0).UTC()
	return &a, nil
}

// ─── Results ────────────────────────────────────────────────────────────────

const resultColumns = `task_id, attempt, node_id, output, output_hash,
	cpu_time_ms, max_rss_kb, elapsed_ms, isolation,
	error_kind, error_message, verification, confidence, failed_rule, created_at`

// SaveResult stores one attempt's result. Re-saving the same attempt
// replaces it, which covers the verify-then-stamp write.
func (d *DB) SaveResult(ctx context.Context, r *domain.Result) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (`+resultColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Attempt, r.NodeID, r.Output, nullStr(r.OutputHash),
		r.Usage.CPUTimeMS, r.Usage.MaxRSSKB, r.Usage.ElapsedMS, r.Isolation,
		nullStr(string(r.ErrorKind)), nullStr(r.ErrorMessage),
		nullStr(string(r.Verification)), r.Confidence, nullStr(r.FailedRule),
		r.CreatedAt.Unix())
	return err
}

// LatestResult returns the most recent attempt's result for a task.
func (d *DB) LatestResult(ctx context.Context, taskID string) (*domain.Result, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE task_id = ?
		 ORDER BY attempt DESC LIMIT 1`, taskID)

	var r domain.Result
	var outputHash, errorKind, errorMessage, verification, failedRule sql.NullString
	var createdAt int64
	err := row.Scan(&r.TaskID, &r.Attempt, &r.NodeID, &r.Output, &outputHash,
		&r.Usage.CPUTimeMS, &r.Usage.MaxRSSKB, &r.Usage.ElapsedMS, &r.Isolation,
		&errorKind, &errorMessage, &verification, &r.Confidence, &failedRule,
		&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrResultNotReady
	}
	if err != nil {
		return nil, err
	}
	r.OutputHash = outputHash.String
	r.ErrorKind = domain.ErrorKind(errorKind.String)
	r.ErrorMessage = errorMessage.String
	r.Verification = domain.VerificationOutcome(verification.String)
	r.FailedRule = failedRule.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}
