package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Test Fixtures ──────────────────────────────────────────────────────────

type fakeRegistry struct {
	nodes []domain.NodeCapability
	err   error
	calls int
}

func (f *fakeRegistry) ListEligibleNodes(_ context.Context, taskType domain.TaskType, cpu, mem int) ([]domain.NodeCapability, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.NodeCapability
	for _, n := range f.nodes {
		if n.CPUCores < cpu || n.MemoryMB < mem {
			continue
		}
		for _, tt := range n.SupportedTypes {
			if tt == taskType {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

func testNode(id string, load, reputation float64, services ...string) domain.NodeCapability {
	return domain.NodeCapability{
		NodeID:            id,
		CPUCores:          8,
		MemoryMB:          16384,
		SupportedTypes:    []domain.TaskType{domain.TaskDataAnalysis, domain.TaskCustom},
		SupportedServices: services,
		Load:              load,
		Reputation:        reputation,
	}
}

func testTask(id string, priority int) *domain.Task {
	return &domain.Task{
		ID:          id,
		ServiceName: "image-resize",
		Type:        domain.TaskDataAnalysis,
		Priority:    priority,
		MaxRetries:  3,
		Resources:   domain.Resources{CPUCores: 1, MemoryMB: 512, TimeoutSeconds: 60},
		CreatedAt:   time.Now(),
	}
}

func testScheduler(reg *fakeRegistry) *Scheduler {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return New(cfg, reg, zerolog.Nop())
}

// ─── Scoring ────────────────────────────────────────────────────────────────

func TestScoreNode_PrefersIdleReputableNodes(t *testing.T) {
	w := DefaultConfig().Weights
	task := testTask("t", 3)

	idle := ScoreNode(testNode("idle", 0.0, 90), task, w)
	busy := ScoreNode(testNode("busy", 0.9, 90), task, w)
	if idle <= busy {
		t.Errorf("idle score %f should beat busy score %f", idle, busy)
	}

	trusted := ScoreNode(testNode("trusted", 0.5, 100), task, w)
	shady := ScoreNode(testNode("shady", 0.5, 10), task, w)
	if trusted <= shady {
		t.Errorf("trusted score %f should beat shady score %f", trusted, shady)
	}
}

func TestScoreNode_AffinityBonus(t *testing.T) {
	w := DefaultConfig().Weights
	task := testTask("t", 3)

	withAffinity := ScoreNode(testNode("a", 0.5, 50, "image-resize"), task, w)
	without := ScoreNode(testNode("b", 0.5, 50), task, w)
	if withAffinity <= without {
		t.Errorf("affinity score %f should beat plain score %f", withAffinity, without)
	}
}

func TestRankNodes_FiltersIncapable(t *testing.T) {
	task := testTask("t", 3)
	nodes := []domain.NodeCapability{
		testNode("good", 0.1, 90),
		testNode("full", 1.0, 90), // load at capacity
		{NodeID: "wrong-type", CPUCores: 8, MemoryMB: 16384,
			SupportedTypes: []domain.TaskType{domain.TaskImageProcessing}},
	}

	ranked := RankNodes(nodes, task, DefaultConfig().Weights)
	if len(ranked) != 1 || ranked[0].NodeID != "good" {
		t.Fatalf("ranked = %+v, want only the capable node", ranked)
	}
}

// ─── Assignment ─────────────────────────────────────────────────────────────

func TestTick_AssignsBestNode(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{
		testNode("slow", 0.9, 50),
		testNode("best", 0.1, 95),
	}}
	s := testScheduler(reg)

	task := testTask("tsk_1", 3)
	s.Enqueue(task)

	made := s.Tick(context.Background(), time.Now())
	if len(made) != 1 {
		t.Fatalf("assignments = %d, want 1", len(made))
	}
	a := made[0]
	if a.NodeID != "best" {
		t.Errorf("assigned node = %s, want best", a.NodeID)
	}
	if a.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", a.Attempt)
	}
	if task.Status != domain.TaskAssigned {
		t.Errorf("task status = %s, want assigned", task.Status)
	}
	if a.Deadline.Before(a.AssignedAt.Add(60 * time.Second)) {
		t.Error("deadline does not cover the task timeout")
	}
}

func TestTick_HonorsPriorityOrder(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{testNode("n1", 0.1, 90)}}
	s := testScheduler(reg)

	s.Enqueue(testTask("tsk_low", 1))
	s.Enqueue(testTask("tsk_high", 5))

	made := s.Tick(context.Background(), time.Now())
	if len(made) != 2 {
		t.Fatalf("assignments = %d, want 2", len(made))
	}
	if made[0].TaskID != "tsk_high" {
		t.Errorf("first assignment = %s, want tsk_high", made[0].TaskID)
	}
}

func TestTick_NoCapableNodeStaysPending(t *testing.T) {
	reg := &fakeRegistry{} // empty registry
	s := testScheduler(reg)

	task := testTask("tsk_1", 3)
	s.Enqueue(task)

	if made := s.Tick(context.Background(), time.Now()); len(made) != 0 {
		t.Fatalf("assignments = %d, want 0", len(made))
	}
	if task.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.StatusReason != "waiting for capacity" {
		t.Errorf("reason = %q, want waiting for capacity", task.StatusReason)
	}

	// Capacity arrives later; the task is still schedulable.
	reg.nodes = []domain.NodeCapability{testNode("n1", 0.1, 90)}
	if made := s.Tick(context.Background(), time.Now()); len(made) != 1 {
		t.Fatalf("task lost while waiting for capacity")
	}
}

func TestTick_RegistryFailureBacksOff(t *testing.T) {
	reg := &fakeRegistry{err: domain.ErrRegistryUnreachable}
	s := testScheduler(reg)
	s.Enqueue(testTask("tsk_1", 3))

	now := time.Now()
	if made := s.Tick(context.Background(), now); len(made) != 0 {
		t.Fatal("assigned despite registry failure")
	}
	calls := reg.calls

	// Within the backoff window the registry is not polled again.
	s.Tick(context.Background(), now.Add(time.Millisecond))
	if reg.calls != calls {
		t.Error("registry polled during backoff window")
	}

	// After recovery the task schedules normally.
	reg.err = nil
	reg.nodes = []domain.NodeCapability{testNode("n1", 0.1, 90)}
	if made := s.Tick(context.Background(), now.Add(time.Hour)); len(made) != 1 {
		t.Fatal("task not schedulable after registry recovered")
	}
}

// ─── Retry & Outcome ────────────────────────────────────────────────────────

func TestReportOutcome_RequeuesWithExclusion(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{
		testNode("flaky", 0.0, 100),
		testNode("backup", 0.5, 50),
	}}
	s := testScheduler(reg)

	task := testTask("tsk_1", 3)
	s.Enqueue(task)

	now := time.Now()
	made := s.Tick(context.Background(), now)
	if len(made) != 1 || made[0].NodeID != "flaky" {
		t.Fatalf("expected the idle node first, got %+v", made)
	}

	outcome := s.ReportOutcome("tsk_1", false, now)
	if outcome != OutcomeRequeued {
		t.Fatalf("outcome = %v, want requeued", outcome)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	// Past the backoff, a second attempt avoids the failed node.
	made = s.Tick(context.Background(), now.Add(time.Second))
	if len(made) != 1 {
		t.Fatalf("retry not scheduled: %+v", made)
	}
	if made[0].NodeID != "backup" {
		t.Errorf("retry went to %s, want backup (flaky excluded)", made[0].NodeID)
	}
	if made[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2", made[0].Attempt)
	}
}

func TestReportOutcome_ExhaustsBudget(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{
		testNode("a", 0, 90), testNode("b", 0, 90), testNode("c", 0, 90),
	}}
	s := testScheduler(reg)

	task := testTask("tsk_1", 3)
	task.MaxRetries = 3
	s.Enqueue(task)

	now := time.Now()
	var outcome Outcome
	for i := 0; i < 3; i++ {
		made := s.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute))
		if len(made) != 1 {
			t.Fatalf("attempt %d not scheduled", i+1)
		}
		outcome = s.ReportOutcome("tsk_1", false, now.Add(time.Duration(i)*time.Minute))
	}
	if outcome != OutcomeExhausted {
		t.Errorf("final outcome = %v, want exhausted", outcome)
	}
}

func TestReportOutcome_ReusesNodeWhenAllExcluded(t *testing.T) {
	// A single-node pool must not stall retries: once every eligible
	// node has failed the task, exclusions stop applying.
	reg := &fakeRegistry{nodes: []domain.NodeCapability{testNode("only", 0, 90)}}
	s := testScheduler(reg)
	s.Enqueue(testTask("tsk_1", 3))

	now := time.Now()
	s.Tick(context.Background(), now)
	if got := s.ReportOutcome("tsk_1", false, now); got != OutcomeRequeued {
		t.Fatalf("outcome = %v, want requeued", got)
	}

	made := s.Tick(context.Background(), now.Add(time.Minute))
	if len(made) != 1 {
		t.Fatal("retry never scheduled with the pool exhausted")
	}
	if made[0].NodeID != "only" {
		t.Errorf("node = %s, want only", made[0].NodeID)
	}
}

func TestReportOutcome_SuccessIsDone(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{testNode("n1", 0, 90)}}
	s := testScheduler(reg)
	s.Enqueue(testTask("tsk_1", 3))

	now := time.Now()
	s.Tick(context.Background(), now)
	if got := s.ReportOutcome("tsk_1", true, now); got != OutcomeDone {
		t.Errorf("outcome = %v, want done", got)
	}
	if _, ok := s.ActiveAssignment("tsk_1"); ok {
		t.Error("assignment still active after success")
	}
}

// ─── Cancel & Deadlines ─────────────────────────────────────────────────────

func TestCancel_PendingTask(t *testing.T) {
	s := testScheduler(&fakeRegistry{})
	s.Enqueue(testTask("tsk_1", 3))

	if !s.Cancel("tsk_1") {
		t.Fatal("cancel of a pending task returned false")
	}
	if s.Cancel("tsk_1") {
		t.Error("double cancel returned true")
	}
	if made := s.Tick(context.Background(), time.Now()); len(made) != 0 {
		t.Error("cancelled task still got assigned")
	}
}

func TestExpiredAssignments(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{testNode("n1", 0, 90)}}
	cfg := DefaultConfig()
	cfg.AssignmentGrace = time.Second
	s := New(cfg, reg, zerolog.Nop())

	task := testTask("tsk_1", 3)
	task.Resources.TimeoutSeconds = 1
	s.Enqueue(task)

	now := time.Now()
	made := s.Tick(context.Background(), now)
	if len(made) != 1 {
		t.Fatal("task not assigned")
	}

	if exp := s.ExpiredAssignments(now.Add(time.Second)); len(exp) != 0 {
		t.Error("assignment expired before its deadline")
	}
	exp := s.ExpiredAssignments(now.Add(time.Minute))
	if len(exp) != 1 || exp[0].TaskID != "tsk_1" {
		t.Fatalf("expired = %+v, want the stale assignment", exp)
	}
}

func TestStats(t *testing.T) {
	reg := &fakeRegistry{nodes: []domain.NodeCapability{testNode("n1", 0, 90)}}
	s := testScheduler(reg)

	s.Enqueue(testTask("tsk_1", 3))
	s.Enqueue(testTask("tsk_2", 3))
	s.Tick(context.Background(), time.Now())

	st := s.Stats()
	if st.TotalEnqueued != 2 {
		t.Errorf("TotalEnqueued = %d, want 2", st.TotalEnqueued)
	}
	if st.TotalAssigned != 2 {
		t.Errorf("TotalAssigned = %d, want 2", st.TotalAssigned)
	}
	if st.ActiveAssigned != 2 {
		t.Errorf("ActiveAssigned = %d, want 2", st.ActiveAssigned)
	}
	if st.BacklogDepth != 0 {
		t.Errorf("BacklogDepth = %d, want 0", st.BacklogDepth)
	}
}
