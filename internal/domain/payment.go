package domain

import "time"

// SettlementKind says which way escrowed funds move.
type SettlementKind string

const (
	SettlementRelease SettlementKind = "release" // to the executing node
	SettlementRefund  SettlementKind = "refund"  // back to the submitter
)

// Settlement is the durable record of a task's escrow resolution. It is
// written when the task reaches a terminal status and marked settled
// once the payment collaborator acknowledges; unsettled rows are
// retried on a sweep with capped backoff. Settlement state never
// reopens the task.
type Settlement struct {
	TaskID        string         `json:"task_id"`
	Kind          SettlementKind `json:"kind"`
	Amount        float64        `json:"amount"`
	Reason        string         `json:"reason,omitempty"`
	Settled       bool           `json:"settled"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time      `json:"created_at"`
	SettledAt     time.Time      `json:"settled_at,omitempty"`
}
