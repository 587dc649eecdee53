// Package verifier checks task results before they settle.
//
// Verification runs in a fixed order: the task's own expected hash
// first, then a per-type output format check, then any rules registered
// for the task's service. The first failing check marks the result
// invalid; a check that cannot decide marks it inconclusive. A result
// that clears everything is valid, with a confidence reflecting how
// much was actually checked.
package verifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
)

// ─── Rules ──────────────────────────────────────────────────────────────────

// RuleType enumerates the supported verification rule kinds.
type RuleType string

const (
	RuleHash   RuleType = "hash"   // output hash equals ExpectedHash
	RuleFormat RuleType = "format" // output parses as Format
	RuleRange  RuleType = "range"  // numeric Field within [Min, Max]
	RuleCustom RuleType = "custom" // caller-supplied Check func
)

// Rule is a verification rule registered for a service. Exactly the
// fields relevant to its Type are consulted.
type Rule struct {
	Name         string
	Type         RuleType
	ExpectedHash string  // hash
	Format       string  // format: "json", "numeric", "non_empty"
	Field        string  // range: dotted path into JSON output
	Min, Max     float64 // range bounds, inclusive
	Check        func(output string) (bool, error) // custom
}

func (r Rule) validate() error {
	switch r.Type {
	case RuleHash:
		if r.ExpectedHash == "" {
			return fmt.Errorf("hash rule %q: missing expected hash", r.Name)
		}
	case RuleFormat:
		switch r.Format {
		case "json", "numeric", "non_empty":
		default:
			return fmt.Errorf("format rule %q: unknown format %q", r.Name, r.Format)
		}
	case RuleRange:
		if r.Field == "" {
			return fmt.Errorf("range rule %q: missing field", r.Name)
		}
		if r.Min > r.Max {
			return fmt.Errorf("range rule %q: min %g above max %g", r.Name, r.Min, r.Max)
		}
	case RuleCustom:
		if r.Check == nil {
			return fmt.Errorf("custom rule %q: missing check func", r.Name)
		}
	default:
		return fmt.Errorf("rule %q: unknown type %q", r.Name, r.Type)
	}
	return nil
}

// ─── Verifier ───────────────────────────────────────────────────────────────

// nodeRecord tracks per-node verification history for trust scoring.
type nodeRecord struct {
	passed int64
	failed int64
}

// Verifier validates results and tracks per-node trust.
type Verifier struct {
	mu     sync.Mutex
	rules  map[string][]Rule // by service name
	nodes  map[string]*nodeRecord
	counts map[domain.VerificationOutcome]int64
	log    zerolog.Logger
}

// New creates an empty verifier.
func New(log zerolog.Logger) *Verifier {
	return &Verifier{
		rules:  make(map[string][]Rule),
		nodes:  make(map[string]*nodeRecord),
		counts: make(map[domain.VerificationOutcome]int64),
		log:    log.With().Str("component", "verifier").Logger(),
	}
}

// RegisterRule adds a rule for a service. Rules evaluate in
// registration order.
func (v *Verifier) RegisterRule(service string, r Rule) error {
	if service == "" {
		return fmt.Errorf("register rule: empty service name")
	}
	if err := r.validate(); err != nil {
		return err
	}
	v.mu.Lock()
	v.rules[service] = append(v.rules[service], r)
	v.mu.Unlock()
	return nil
}

// Rules returns the rules registered for a service.
func (v *Verifier) Rules(service string) []Rule {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Rule, len(v.rules[service]))
	copy(out, v.rules[service])
	return out
}

// Verify fills in the verification verdict on the result. It only
// inspects successful executions; failed attempts never reach it.
func (v *Verifier) Verify(t *domain.Task, res *domain.Result) {
	outcome, confidence, failedRule := v.evaluate(t, res)
	res.Verification = outcome
	res.Confidence = confidence
	res.FailedRule = failedRule

	v.recordNode(res.NodeID, outcome)
	v.mu.Lock()
	v.counts[outcome]++
	v.mu.Unlock()
	metrics.VerifyOutcomes.WithLabelValues(string(outcome)).Inc()

	if outcome != domain.VerificationValid {
		v.log.Info().Str("task", t.ID).Str("node", res.NodeID).
			Str("outcome", string(outcome)).Str("rule", failedRule).
			Msg("result did not verify")
	}
}

func (v *Verifier) evaluate(t *domain.Task, res *domain.Result) (domain.VerificationOutcome, float64, string) {
	// Task-level expected hash: a mismatch is decisive, a match raises
	// confidence but the remaining checks still run. A result with the
	// right hash can still violate a format or range rule.
	hashMatched := false
	if t.ExpectedHash != "" {
		if res.OutputHash != t.ExpectedHash {
			return domain.VerificationInvalid, 1.0, "expected_hash"
		}
		hashMatched = true
	}

	if !typeFormatOK(t.Type, res.Output) {
		return domain.VerificationInvalid, 0.9, "type_format"
	}

	rules := v.Rules(t.ServiceName)
	if len(rules) == 0 {
		if hashMatched {
			return domain.VerificationValid, 1.0, ""
		}
		// Nothing beyond the type format check: accept, but say so.
		return domain.VerificationValid, 0.5, ""
	}

	for _, r := range rules {
		ok, err := evalRule(r, res)
		if err != nil {
			v.log.Warn().Str("task", t.ID).Str("rule", r.Name).Err(err).
				Msg("verification rule could not decide")
			return domain.VerificationInconclusive, 0.0, r.Name
		}
		if !ok {
			return domain.VerificationInvalid, 0.9, r.Name
		}
	}
	if hashMatched {
		return domain.VerificationValid, 1.0, ""
	}
	return domain.VerificationValid, 0.9, ""
}

func evalRule(r Rule, res *domain.Result) (bool, error) {
	switch r.Type {
	case RuleHash:
		return res.OutputHash == r.ExpectedHash, nil
	case RuleFormat:
		return formatOK(r.Format, res.Output), nil
	case RuleRange:
		val, err := jsonField(res.Output, r.Field)
		if err != nil {
			return false, err
		}
		return val >= r.Min && val <= r.Max, nil
	case RuleCustom:
		return r.Check(res.Output)
	}
	return false, fmt.Errorf("unknown rule type %q", r.Type)
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats counts verification verdicts since startup.
type Stats struct {
	Checked      int64 `json:"checked"`
	Valid        int64 `json:"valid"`
	Invalid      int64 `json:"invalid"`
	Inconclusive int64 `json:"inconclusive"`
}

// Stats returns the verifier's verdict counters.
func (v *Verifier) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := Stats{
		Valid:        v.counts[domain.VerificationValid],
		Invalid:      v.counts[domain.VerificationInvalid],
		Inconclusive: v.counts[domain.VerificationInconclusive],
	}
	st.Checked = st.Valid + st.Invalid + st.Inconclusive
	return st
}

// ─── Node Trust ─────────────────────────────────────────────────────────────

// NodeTrust returns the pass rate of a node's verified results in
// [0,1]. Unknown nodes start at full trust.
func (v *Verifier) NodeTrust(nodeID string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.nodes[nodeID]
	if rec == nil || rec.passed+rec.failed == 0 {
		return 1.0
	}
	return float64(rec.passed) / float64(rec.passed+rec.failed)
}

func (v *Verifier) recordNode(nodeID string, outcome domain.VerificationOutcome) {
	if nodeID == "" || outcome == domain.VerificationInconclusive {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rec := v.nodes[nodeID]
	if rec == nil {
		rec = &nodeRecord{}
		v.nodes[nodeID] = rec
	}
	if outcome == domain.VerificationValid {
		rec.passed++
	} else {
		rec.failed++
	}
}

// ─── Format Helpers ─────────────────────────────────────────────────────────

// typeFormatOK applies the baseline output shape expected per task
// type. Analytical task types must emit JSON; the rest just need any
// output at all.
func typeFormatOK(tt domain.TaskType, output string) bool {
	switch tt {
	case domain.TaskAPICall, domain.TaskDataAnalysis, domain.TaskMachineLearning:
		return formatOK("json", output)
	default:
		return formatOK("non_empty", output)
	}
}

func formatOK(format, output string) bool {
	switch format {
	case "json":
		return json.Valid([]byte(strings.TrimSpace(output)))
	case "numeric":
		_, err := strconv.ParseFloat(strings.TrimSpace(output), 64)
		return err == nil
	case "non_empty":
		return strings.TrimSpace(output) != ""
	}
	return false
}

// jsonField extracts a numeric field from JSON output by dotted path.
func jsonField(output, path string) (float64, error) {
	var doc any
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		return 0, fmt.Errorf("output is not JSON: %w", err)
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("field %q: not an object", part)
		}
		cur, ok = obj[part]
		if !ok {
			return 0, fmt.Errorf("field %q: not present", part)
		}
	}
	num, ok := cur.(float64)
	if !ok {
		return 0, fmt.Errorf("field %q: not numeric", path)
	}
	return num, nil
}
