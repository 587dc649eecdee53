// Package domain holds the core task types.
// A Task is a unit of work that flows through the engine:
// submit → schedule → assign → execute → verify → settle.
package domain

import "time"

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskVerifying TaskStatus = "verifying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskExpired   TaskStatus = "expired"
)

// TaskType categorizes the kind of computation.
type TaskType string

const (
	TaskAPICall         TaskType = "api_call"
	TaskBatchProcessing TaskType = "batch_processing"
	TaskMachineLearning TaskType = "machine_learning"
	TaskDataAnalysis    TaskType = "data_analysis"
	TaskImageProcessing TaskType = "image_processing"
	TaskCustom          TaskType = "custom"
)

// ValidTaskType reports whether t is one of the known task types.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskAPICall, TaskBatchProcessing, TaskMachineLearning,
		TaskDataAnalysis, TaskImageProcessing, TaskCustom:
		return true
	}
	return false
}

// Priority bounds. Higher value dequeues first.
const (
	PriorityMin = 1
	PriorityMax = 5
)

// Resources declares what a task needs to run.
type Resources struct {
	CPUCores       int `json:"cpu_cores"`
	MemoryMB       int `json:"memory_mb"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Timeout returns the wall-clock execution limit.
func (r Resources) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Task is a unit of submitted computational work. The engine is the sole
// owner of a Task record; other components operate on references passed
// to them and must not retain them past the call.
type Task struct {
	ID          string         `json:"id"`
	ServiceName string         `json:"service_name"`
	Type        TaskType       `json:"type"`
	Payload     string         `json:"payload"`
	InputData   map[string]any `json:"input_data,omitempty"`
	Resources   Resources      `json:"resources"`
	MaxRetries  int            `json:"max_retries"`
	Priority    int            `json:"priority"`
	Payment     float64        `json:"payment_amount"`
	EscrowID    string         `json:"escrow_id,omitempty"`
	// ExpectedHash, when set, is checked against the result's content
	// hash before any other verification rule.
	ExpectedHash string            `json:"expected_hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	Status       TaskStatus `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	AssignedNode string     `json:"assigned_node,omitempty"`
	Attempts     int        `json:"attempts"`

	CreatedAt   time.Time `json:"created_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true once the task has reached a final state.
// Terminal tasks are immutable.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// Duration returns how long the last attempt ran (0 if not finished).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Assignment binds a Task to a selected node for one execution attempt.
// At most one active Assignment exists per Task at any time.
type Assignment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	NodeID     string    `json:"node_id"`
	Attempt    int       `json:"attempt"`
	AssignedAt time.Time `json:"assigned_at"`
	Deadline   time.Time `json:"deadline"`
	Active     bool      `json:"active"`
}

// Expired reports whether the assignment's deadline has passed.
func (a Assignment) Expired(now time.Time) bool {
	return a.Active && now.After(a.Deadline)
}
