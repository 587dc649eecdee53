package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Submission errors, surfaced synchronously, never retried.
	ErrInvalidSpec      = errors.New("invalid task spec")
	ErrMissingService   = errors.New("task must declare a service name")
	ErrInvalidPayment   = errors.New("payment amount must be positive")
	ErrResourceCeiling  = errors.New("resource request exceeds configured ceiling")
	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrInvalidPriority  = errors.New("priority must be between 1 and 5")

	// Lookup errors.
	ErrTaskNotFound   = errors.New("task not found")
	ErrResultNotReady = errors.New("result not ready: task is not terminal")

	// Scheduling errors: the task stays pending and is re-evaluated.
	ErrNoCapableNode       = errors.New("no capable node available")
	ErrRegistryUnreachable = errors.New("capability registry unreachable")

	// Sandbox errors.
	ErrRuntimeUnavailable   = errors.New("no sandbox runtime available")
	ErrInterpreterForbidden = errors.New("interpreter not on the sandbox allow list")

	// Engine errors.
	ErrEngineClosed   = errors.New("engine is shut down")
	ErrEngineRefusing = errors.New("engine refusing new submissions: operator intervention required")
	ErrTaskTerminal   = errors.New("task already reached a terminal status")
)

// ─── Error Kinds ────────────────────────────────────────────────────────────
// ErrorKind classifies an attempt or settlement failure on the task
// record, driving retry policy.

type ErrorKind string

const (
	// KindTimeout: wall-clock deadline breached. Retried.
	KindTimeout ErrorKind = "timeout"
	// KindResourceExceeded: memory/CPU limit breached. Retried.
	KindResourceExceeded ErrorKind = "resource_exceeded"
	// KindRuntimeCrash: payload exited non-zero or the runtime failed.
	// Retried.
	KindRuntimeCrash ErrorKind = "runtime_crash"
	// KindVerificationFailed: the result was rejected by a rule.
	// Terminal; a wrong answer is not retried automatically.
	KindVerificationFailed ErrorKind = "verification_failed"
	// KindScheduling: no node could be found before retries ran out.
	KindScheduling ErrorKind = "scheduling"
	// KindPayment: settlement call failed. Retried independently of
	// task state; never reopens a terminal task.
	KindPayment ErrorKind = "payment"
)

// Retryable reports whether a failure of this kind should consume a
// retry attempt rather than finalize the task.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindResourceExceeded, KindRuntimeCrash:
		return true
	}
	return false
}
