package verifier

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

func resultFor(t *domain.Task, output string) *domain.Result {
	return &domain.Result{
		TaskID:     t.ID,
		Attempt:    1,
		NodeID:     "node-1",
		Output:     output,
		OutputHash: domain.HashOutput(output),
	}
}

func analysisTask() *domain.Task {
	return &domain.Task{
		ID:          "tsk_1",
		ServiceName: "stats",
		Type:        domain.TaskDataAnalysis,
	}
}

// ─── Expected Hash ──────────────────────────────────────────────────────────

func TestVerify_ExpectedHashMatch(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	res := resultFor(task, `{"mean": 4.5}`)
	task.ExpectedHash = res.OutputHash

	v.Verify(task, res)
	if res.Verification != domain.VerificationValid {
		t.Fatalf("verification = %s, want valid", res.Verification)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 for a hash match", res.Confidence)
	}
}

func TestVerify_ExpectedHashMismatch(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	task.ExpectedHash = domain.HashOutput("something else")
	res := resultFor(task, `{"mean": 4.5}`)

	v.Verify(task, res)
	if res.Verification != domain.VerificationInvalid {
		t.Fatalf("verification = %s, want invalid", res.Verification)
	}
	if res.FailedRule != "expected_hash" {
		t.Errorf("failed rule = %q, want expected_hash", res.FailedRule)
	}
}

func TestVerify_HashMatchStillRunsRules(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	if err := v.RegisterRule("stats", Rule{
		Name: "mean-bounds", Type: RuleRange, Field: "mean", Min: 0, Max: 1,
	}); err != nil {
		t.Fatal(err)
	}

	// The hash matches, but the output violates a registered rule.
	res := resultFor(task, `{"mean": 42.0}`)
	task.ExpectedHash = res.OutputHash

	v.Verify(task, res)
	if res.Verification != domain.VerificationInvalid {
		t.Fatalf("verification = %s, want invalid despite hash match", res.Verification)
	}
	if res.FailedRule != "mean-bounds" {
		t.Errorf("failed rule = %q, want mean-bounds", res.FailedRule)
	}
}

func TestVerify_HashMatchAndRulesPass(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	if err := v.RegisterRule("stats", Rule{
		Name: "mean-bounds", Type: RuleRange, Field: "mean", Min: 0, Max: 1,
	}); err != nil {
		t.Fatal(err)
	}

	res := resultFor(task, `{"mean": 0.4}`)
	task.ExpectedHash = res.OutputHash

	v.Verify(task, res)
	if res.Verification != domain.VerificationValid {
		t.Fatalf("verification = %s (%s), want valid", res.Verification, res.FailedRule)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 with a hash match on top of rules", res.Confidence)
	}
}

// ─── Type Format ────────────────────────────────────────────────────────────

func TestVerify_TypeFormat(t *testing.T) {
	v := New(zerolog.Nop())

	task := analysisTask()
	res := resultFor(task, "this is not json")
	v.Verify(task, res)
	if res.Verification != domain.VerificationInvalid {
		t.Errorf("non-JSON analysis output = %s, want invalid", res.Verification)
	}
	if res.FailedRule != "type_format" {
		t.Errorf("failed rule = %q, want type_format", res.FailedRule)
	}

	// Batch output only needs to be non-empty.
	batch := &domain.Task{ID: "tsk_2", ServiceName: "etl", Type: domain.TaskBatchProcessing}
	res = resultFor(batch, "processed 120 rows")
	v.Verify(batch, res)
	if res.Verification != domain.VerificationValid {
		t.Errorf("batch text output = %s, want valid", res.Verification)
	}

	res = resultFor(batch, "   ")
	v.Verify(batch, res)
	if res.Verification != domain.VerificationInvalid {
		t.Errorf("blank output = %s, want invalid", res.Verification)
	}
}

func TestVerify_NoRulesLowConfidence(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	res := resultFor(task, `{"mean": 4.5}`)

	v.Verify(task, res)
	if res.Verification != domain.VerificationValid {
		t.Fatalf("verification = %s, want valid with no rules", res.Verification)
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %f, want 0.5 when nothing was checked", res.Confidence)
	}
}

// ─── Service Rules ──────────────────────────────────────────────────────────

func TestRegisterRule_Validation(t *testing.T) {
	v := New(zerolog.Nop())

	cases := []struct {
		name string
		rule Rule
	}{
		{"hash without hash", Rule{Name: "h", Type: RuleHash}},
		{"bad format", Rule{Name: "f", Type: RuleFormat, Format: "xml"}},
		{"range without field", Rule{Name: "r", Type: RuleRange, Max: 1}},
		{"inverted range", Rule{Name: "r", Type: RuleRange, Field: "x", Min: 5, Max: 1}},
		{"custom without func", Rule{Name: "c", Type: RuleCustom}},
		{"unknown type", Rule{Name: "u", Type: RuleType("regex")}},
	}
	for _, tc := range cases {
		if err := v.RegisterRule("svc", tc.rule); err == nil {
			t.Errorf("%s: invalid rule accepted", tc.name)
		}
	}
	if err := v.RegisterRule("", Rule{Name: "f", Type: RuleFormat, Format: "json"}); err == nil {
		t.Error("empty service name accepted")
	}
}

func TestVerify_RangeRule(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	err := v.RegisterRule("stats", Rule{
		Name: "mean-bounds", Type: RuleRange, Field: "summary.mean", Min: 0, Max: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	res := resultFor(task, `{"summary": {"mean": 4.5}}`)
	v.Verify(task, res)
	if res.Verification != domain.VerificationValid {
		t.Fatalf("in-range result = %s (%s), want valid", res.Verification, res.FailedRule)
	}
	if res.Confidence != 0.9 {
		t.Errorf("confidence = %f, want 0.9 with rules checked", res.Confidence)
	}

	res = resultFor(task, `{"summary": {"mean": 42.0}}`)
	v.Verify(task, res)
	if res.Verification != domain.VerificationInvalid {
		t.Errorf("out-of-range result = %s, want invalid", res.Verification)
	}
	if res.FailedRule != "mean-bounds" {
		t.Errorf("failed rule = %q, want mean-bounds", res.FailedRule)
	}

	// Missing field cannot be decided either way.
	res = resultFor(task, `{"other": 1}`)
	v.Verify(task, res)
	if res.Verification != domain.VerificationInconclusive {
		t.Errorf("missing field = %s, want inconclusive", res.Verification)
	}
}

func TestVerify_CustomRule(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()
	v.RegisterRule("stats", Rule{
		Name: "has-rows", Type: RuleCustom,
		Check: func(output string) (bool, error) {
			if output == "" {
				return false, errors.New("no output")
			}
			return len(output) > 10, nil
		},
	})

	res := resultFor(task, `{"rows": [1, 2, 3]}`)
	v.Verify(task, res)
	if res.Verification != domain.VerificationValid {
		t.Errorf("passing custom rule = %s, want valid", res.Verification)
	}

	res = resultFor(task, `{}`)
	v.Verify(task, res)
	if res.Verification != domain.VerificationInvalid {
		t.Errorf("failing custom rule = %s, want invalid", res.Verification)
	}
}

// ─── Node Trust ─────────────────────────────────────────────────────────────

func TestNodeTrust(t *testing.T) {
	v := New(zerolog.Nop())
	task := analysisTask()

	if got := v.NodeTrust("unknown"); got != 1.0 {
		t.Errorf("unknown node trust = %f, want 1.0", got)
	}

	// Three valid results, one invalid.
	for i := 0; i < 3; i++ {
		v.Verify(task, resultFor(task, `{"ok": true}`))
	}
	bad := resultFor(task, "not json")
	v.Verify(task, bad)

	if got := v.NodeTrust("node-1"); got != 0.75 {
		t.Errorf("trust = %f, want 0.75 after 3/4 passes", got)
	}
}
