package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// VerificationOutcome is the verifier's judgement of a Result.
type VerificationOutcome string

const (
	VerificationValid        VerificationOutcome = "valid"
	VerificationInvalid      VerificationOutcome = "invalid"
	VerificationInconclusive VerificationOutcome = "inconclusive"
)

// Isolation levels a sandbox can provide.
const (
	IsolationContainer = "container"
	IsolationNative    = "native"
)

// ResourceUsage records what an attempt actually consumed.
type ResourceUsage struct {
	CPUTimeMS int64 `json:"cpu_time_ms"`
	MaxRSSKB  int64 `json:"max_rss_kb"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Result is the outcome of one execution attempt. It is created once by
// the sandbox, stamped by the verifier, and retained for the lifetime of
// the task record for audit.
type Result struct {
	TaskID     string        `json:"task_id"`
	Attempt    int           `json:"attempt"`
	NodeID     string        `json:"node_id"`
	Output     string        `json:"output"`
	OutputHash string        `json:"output_hash"`
	Usage      ResourceUsage `json:"usage"`
	// Isolation flags the execution mode; "native" marks the lower-
	// isolation fallback path.
	Isolation string `json:"isolation"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	Verification VerificationOutcome `json:"verification,omitempty"`
	Confidence   float64             `json:"confidence,omitempty"`
	FailedRule   string              `json:"failed_rule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Failed reports whether the attempt produced an execution error.
func (r *Result) Failed() bool { return r.ErrorKind != "" }

// HashOutput computes the canonical content hash of raw output.
func HashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}
