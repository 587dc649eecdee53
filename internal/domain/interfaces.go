package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the engine depends on them.

// CapabilityRegistry is the external source of truth for worker nodes.
// Consumed read-only; implementations may cache snapshots but never hold
// the canonical copy.
type CapabilityRegistry interface {
	// ListEligibleNodes returns nodes declaring support for the task
	// type with at least the requested free resources.
	ListEligibleNodes(ctx context.Context, taskType TaskType, cpuCores, memoryMB int) ([]NodeCapability, error)
}

// PaymentCollaborator is the external escrow/wallet system. Funds for a
// task are released only by the engine, and only after a valid result.
type PaymentCollaborator interface {
	ReleaseFunds(ctx context.Context, taskID string) error
	RefundFunds(ctx context.Context, taskID, reason string) error
}

// Executor runs a task payload in an isolated, resource-bounded
// environment. Implementations must remove their sandbox instance
// (container or temp workspace) on every exit path.
type Executor interface {
	// Name identifies the runtime ("docker", "native", ...).
	Name() string

	// Isolation returns IsolationContainer or IsolationNative.
	Isolation() string

	// Probe verifies the runtime can still execute payloads: the
	// backing binary resolves and the workspace directory is writable.
	// Called at startup and by the daemon health checks.
	Probe(ctx context.Context) error

	// Execute runs the payload and returns a Result. The context
	// carries the task's wall-clock deadline; breaching it must kill
	// the execution and yield a Result with ErrorKind KindTimeout.
	// A non-nil error means the sandbox itself failed, not the payload.
	Execute(ctx context.Context, task *Task, attempt int) (Result, error)
}

// TaskStore is the durable repository for tasks, assignments and
// results. Records must survive an engine restart.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error)

	SaveAssignment(ctx context.Context, a Assignment) error
	DeactivateAssignments(ctx context.Context, taskID string) error
	ActiveAssignment(ctx context.Context, taskID string) (*Assignment, error)

	SaveResult(ctx context.Context, r *Result) error
	LatestResult(ctx context.Context, taskID string) (*Result, error)

	// RecoverInterrupted resolves tasks left non-terminal by a crash:
	// running/verifying rows fail their attempt, assigned rows return
	// to pending. Returns the tasks that need re-enqueueing.
	RecoverInterrupted(ctx context.Context) ([]Task, error)
}
