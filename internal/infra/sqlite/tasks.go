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

const taskColumns = `id, service_name, type, payload, input_data,
	cpu_cores, memory_mb, timeout_seconds, max_retries, priority,
	payment, escrow_id, expected_hash, metadata,
	status, status_reason, assigned_node, attempts,
	created_at, assigned_at, started_at, completed_at`

// ─── Task Repository ────────────────────────────────────────────────────────

// SaveTask inserts a new task record.
func (d *DB) SaveTask(ctx context.Context, t *domain.Task) error {
	input, err := encodeJSON(t.InputData)
	if err != nil {
		return fmt.Errorf("encode input data: %w", err)
	}
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ServiceName, string(t.Type), t.Payload, input,
		t.Resources.CPUCores, t.Resources.MemoryMB, t.Resources.TimeoutSeconds,
		t.MaxRetries, t.Priority,
		t.Payment, nullStr(t.EscrowID), nullStr(t.ExpectedHash), meta,
		string(t.Status), nullStr(t.StatusReason), nullStr(t.AssignedNode), t.Attempts,
		t.CreatedAt.Unix(), nullableUnix(t.AssignedAt), nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt),
	)
	return err
}

// UpdateTask persists the mutable fields of an existing task.
func (d *DB) UpdateTask(ctx context.Context, t *domain.Task) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, status_reason = ?, assigned_node = ?, attempts = ?,
		        assigned_at = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(t.Status), nullStr(t.StatusReason), nullStr(t.AssignedNode), t.Attempts,
		nullableUnix(t.AssignedAt), nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

// ListTasksByStatus returns tasks in a given status, newest first.
func (d *DB) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns task counts keyed by status.
func (d *DB) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// RecoverInterrupted resolves tasks that a crash left non-terminal.
// Assigned tasks return to pending with the unstarted attempt rolled
// back. Running and verifying tasks consume their attempt: back to
// pending while budget remains, otherwise finalized as failed. The
// returned slice holds every task that needs re-enqueueing.
func (d *DB) RecoverInterrupted(ctx context.Context) ([]domain.Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?)`,
		string(domain.TaskAssigned), string(domain.TaskRunning), string(domain.TaskVerifying))
	if err != nil {
		return nil, err
	}
	var stranded []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stranded = append(stranded, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var requeue []domain.Task
	for i := range stranded {
		t := &stranded[i]
		if err := d.DeactivateAssignments(ctx, t.ID); err != nil {
			return nil, err
		}
		switch t.Status {
		case domain.TaskAssigned:
			// Execution never started; give the attempt back.
			if t.Attempts > 0 {
				t.Attempts--
			}
			t.Status = domain.TaskPending
			t.StatusReason = "requeued after restart"
			t.AssignedNode = ""
		default: // running, verifying
			if t.Attempts >= t.MaxRetries {
				t.Status = domain.TaskFailed
				t.StatusReason = "interrupted by restart, no attempts remaining"
				t.CompletedAt = now
			} else {
				t.Status = domain.TaskPending
				t.StatusReason = "attempt interrupted by restart"
				t.AssignedNode = ""
			}
		}
		if err := d.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
		if t.Status == domain.TaskPending {
			requeue = append(requeue, *t)
		}
	}
	return requeue, nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var input, meta, escrowID, expectedHash, statusReason, assignedNode sql.NullString
	var createdAt int64
	var assignedAt, startedAt, completedAt sql.NullInt64
	var taskType, status string

	err := s.Scan(&t.ID, &t.ServiceName, &taskType, &t.Payload, &input,
		&t.Resources.CPUCores, &t.Resources.MemoryMB, &t.Resources.TimeoutSeconds,
		&t.MaxRetries, &t.Priority,
		&t.Payment, &escrowID, &expectedHash, &meta,
		&status, &statusReason, &assignedNode, &t.Attempts,
		&createdAt, &assignedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.EscrowID = escrowID.String
	t.ExpectedHash = expectedHash.String
	t.StatusReason = statusReason.String
	t.AssignedNode = assignedNode.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.AssignedAt = unixOrZero(assignedAt)
	t.StartedAt = unixOrZero(startedAt)
	t.CompletedAt = unixOrZero(completedAt)

	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &t.InputData); err != nil {
			return nil, fmt.Errorf("decode input data for %s: %w", t.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixOrZero(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}
