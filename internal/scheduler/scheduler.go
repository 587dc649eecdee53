// Package scheduler decides which node runs a pending task and tracks
// the life of that decision.
//
// Core concepts:
//   - Backlog: a single priority heap (priority desc, submission FIFO)
//   - Scoring: weighted match over load, reputation, service affinity
//   - Assignments: at most one active per task, with a hard deadline
//   - Retry: failed attempts re-enqueue with exponential backoff,
//     optionally excluding the node that failed
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// ScoreWeights are the relative weights of the node scoring terms.
// Exact constants are a tuning choice, not a correctness contract.
type ScoreWeights struct {
	Load       float64 // inverse current load
	Reputation float64 // registry reputation, normalized to [0,1]
	Affinity   float64 // bonus for nodes that ran this service before
}

// Config configures the scheduler.
type Config struct {
	// MaxAttempts is the default total execution attempt budget per
	// task, used when the task does not declare its own.
	MaxAttempts int
	// AssignmentGrace is added to the task timeout to form the
	// assignment deadline.
	AssignmentGrace time.Duration
	// RetryBaseDelay doubles each attempt, capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RegistryBackoffBase/Max pace re-polling an unreachable registry.
	// Registry failures never fail tasks; they stay pending.
	RegistryBackoffBase time.Duration
	RegistryBackoffMax  time.Duration
	// ExcludeFailedNodes keeps a per-task blocklist of nodes whose
	// attempts failed.
	ExcludeFailedNodes bool
	Weights            ScoreWeights
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		AssignmentGrace:     30 * time.Second,
		RetryBaseDelay:      1 * time.Second,
		RetryMaxDelay:       60 * time.Second,
		RegistryBackoffBase: 500 * time.Millisecond,
		RegistryBackoffMax:  30 * time.Second,
		ExcludeFailedNodes:  true,
		Weights:             ScoreWeights{Load: 0.40, Reputation: 0.40, Affinity: 0.20},
	}
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Outcome is the scheduler's verdict after an attempt finished.
type Outcome int

const (
	// OutcomeDone: attempt succeeded, nothing more to schedule.
	OutcomeDone Outcome = iota
	// OutcomeRequeued: attempt failed, task re-enqueued with backoff.
	OutcomeRequeued
	// OutcomeExhausted: attempt failed and the retry budget is spent.
	OutcomeExhausted
)

// Scheduler maintains the pending backlog and in-flight assignments.
// All entry points are serialized; callers on different task IDs never
// block on each other's executions, only on these short critical
// sections.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	registry domain.CapabilityRegistry
	log      zerolog.Logger

	backlog     *backlog
	assignments map[string]domain.Assignment // active, by task ID
	inflight    map[string]*backlogItem      // popped items awaiting outcome

	registryFailures  int
	registryDownUntil time.Time

	totalEnqueued  atomic.Int64
	totalAssigned  atomic.Int64
	totalRequeued  atomic.Int64
	totalExhausted atomic.Int64
	totalCancelled atomic.Int64
}

// New creates a scheduler backed by the given capability registry.
func New(cfg Config, registry domain.CapabilityRegistry, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		registry:    registry,
		log:         log.With().Str("component", "scheduler").Logger(),
		backlog:     newBacklog(),
		assignments: make(map[string]domain.Assignment),
		inflight:    make(map[string]*backlogItem),
	}
}

// Enqueue inserts a pending task into the backlog. Ties within a
// priority band keep submission order.
func (s *Scheduler) Enqueue(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Status = domain.TaskPending
	s.backlog.push(t, time.Time{}, nil)
	s.totalEnqueued.Add(1)
	metrics.BacklogDepth.Set(float64(s.backlog.depth()))
}

// Tick runs one scheduling pass: for each eligible pending task in
// priority order it selects the best-scoring capable node and creates an
// Assignment. Tasks without a capable node stay pending ("waiting for
// capacity") and are re-evaluated next pass.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []domain.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Before(s.registryDownUntil) {
		return nil
	}

	var made []domain.Assignment
	var skipped []*backlogItem

	for {
		item := s.backlog.pop()
		if item == nil {
			break
		}
		if now.Before(item.notBefore) {
			skipped = append(skipped, item)
			continue
		}
		task := item.task

		nodes, err := s.registry.ListEligibleNodes(ctx, task.Type,
			task.Resources.CPUCores, task.Resources.MemoryMB)
		if err != nil {
			// Registry trouble never fails the task: back off this
			// pass and leave everything queued.
			s.registryFailures++
			s.registryDownUntil = now.Add(s.registryBackoff())
			s.log.Warn().Err(err).Int("failures", s.registryFailures).
				Msg("capability registry unreachable, backing off")
			skipped = append(skipped, item)
			break
		}
		s.registryFailures = 0

		best, ok := s.pickNode(nodes, task, item.excluded)
		if !ok {
			task.StatusReason = "waiting for capacity"
			skipped = append(skipped, item)
			continue
		}

		a := domain.Assignment{
			ID:         "asg_" + uuid.NewString(),
			TaskID:     task.ID,
			NodeID:     best.NodeID,
			Attempt:    task.Attempts + 1,
			AssignedAt: now,
			Deadline:   now.Add(task.Resources.Timeout() + s.cfg.AssignmentGrace),
			Active:     true,
		}
		task.Status = domain.TaskAssigned
		task.StatusReason = ""
		task.AssignedNode = best.NodeID
		task.AssignedAt = now
		task.Attempts = a.Attempt

		s.assignments[task.ID] = a
		s.inflight[task.ID] = item
		made = append(made, a)
		s.totalAssigned.Add(1)
		metrics.AssignLatency.Observe(now.Sub(task.CreatedAt).Seconds())

		s.log.Debug().Str("task", task.ID).Str("node", best.NodeID).
			Int("attempt", a.Attempt).Msg("task assigned")
	}

	for _, item := range skipped {
		s.backlog.requeue(item)
	}
	metrics.BacklogDepth.Set(float64(s.backlog.depth()))
	return made
}

// ReportOutcome finalizes an attempt. On failure it re-enqueues the task
// with backoff while the attempt budget lasts; past the budget it
// reports OutcomeExhausted and the engine finalizes the task.
func (s *Scheduler) ReportOutcome(taskID string, success bool, now time.Time) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, had := s.assignments[taskID]
	delete(s.assignments, taskID)
	item := s.inflight[taskID]
	delete(s.inflight, taskID)

	if success || item == nil {
		return OutcomeDone
	}

	task := item.task
	if task.Attempts >= s.maxAttempts(task) {
		s.totalExhausted.Add(1)
		return OutcomeExhausted
	}

	if s.cfg.ExcludeFailedNodes && had {
		item.excluded[a.NodeID] = true
	}
	item.notBefore = now.Add(s.retryDelay(task.Attempts))
	task.Status = domain.TaskPending
	task.AssignedNode = ""
	s.backlog.requeue(item)
	s.totalRequeued.Add(1)
	metrics.BacklogDepth.Set(float64(s.backlog.depth()))
	return OutcomeRequeued
}

// Cancel removes a pending task from the backlog or drops its in-flight
// assignment tracking. Returns false if the scheduler does not know the
// task; the engine still drives the cooperative cancellation of any
// running sandbox.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backlog.remove(taskID) {
		s.totalCancelled.Add(1)
		metrics.BacklogDepth.Set(float64(s.backlog.depth()))
		return true
	}
	if _, ok := s.inflight[taskID]; ok {
		delete(s.inflight, taskID)
		delete(s.assignments, taskID)
		s.totalCancelled.Add(1)
		return true
	}
	return false
}

// ExpiredAssignments returns active assignments whose deadline passed.
// The engine treats each as a failed attempt.
func (s *Scheduler) ExpiredAssignments(now time.Time) []domain.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []domain.Assignment
	for _, a := range s.assignments {
		if a.Expired(now) {
			expired = append(expired, a)
		}
	}
	return expired
}

// ActiveAssignment returns the active assignment for a task, if any.
func (s *Scheduler) ActiveAssignment(taskID string) (domain.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[taskID]
	return a, ok
}

// ─── Node Scoring ───────────────────────────────────────────────────────────

// ScoreNode computes the weighted match score for a node to execute a
// task. Higher is better.
func ScoreNode(n domain.NodeCapability, t *domain.Task, w ScoreWeights) float64 {
	avail := 1.0 - n.Load
	if avail < 0 {
		avail = 0
	}
	rep := n.Reputation / 100.0
	if rep < 0 {
		rep = 0
	} else if rep > 1 {
		rep = 1
	}
	aff := 0.0
	if n.SupportsService(t.ServiceName) {
		aff = 1.0
	}
	return w.Load*avail + w.Reputation*rep + w.Affinity*aff
}

// RankNodes filters to capable candidates and sorts best-first.
func RankNodes(nodes []domain.NodeCapability, t *domain.Task, w ScoreWeights) []domain.NodeCapability {
	type scored struct {
		node  domain.NodeCapability
		score float64
	}
	all := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		if !n.CanExecute(t) {
			continue
		}
		all = append(all, scored{node: n, score: ScoreNode(n, t, w)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	ranked := make([]domain.NodeCapability, len(all))
	for i, c := range all {
		ranked[i] = c.node
	}
	return ranked
}

func (s *Scheduler) pickNode(nodes []domain.NodeCapability, t *domain.Task, excluded map[string]bool) (domain.NodeCapability, bool) {
	best, ok := s.bestNode(nodes, t, excluded)
	if !ok && len(excluded) > 0 {
		// Every eligible node already failed this task. Reusing one
		// beats stalling the retry until a new node appears.
		best, ok = s.bestNode(nodes, t, nil)
	}
	return best, ok
}

func (s *Scheduler) bestNode(nodes []domain.NodeCapability, t *domain.Task, excluded map[string]bool) (domain.NodeCapability, bool) {
	var best domain.NodeCapability
	bestScore := -1.0
	for _, n := range nodes {
		if excluded[n.NodeID] || !n.CanExecute(t) {
			continue
		}
		if sc := ScoreNode(n, t, s.cfg.Weights); sc > bestScore {
			best, bestScore = n, sc
		}
	}
	return best, bestScore >= 0
}

// ─── Stats & Internal ───────────────────────────────────────────────────────

// Stats holds scheduler statistics.
type Stats struct {
	BacklogDepth   int   `json:"backlog_depth"`
	ActiveAssigned int   `json:"active_assignments"`
	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalAssigned  int64 `json:"total_assigned"`
	TotalRequeued  int64 `json:"total_requeued"`
	TotalExhausted int64 `json:"total_exhausted"`
	TotalCancelled int64 `json:"total_cancelled"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	depth := s.backlog.depth()
	active := len(s.assignments)
	s.mu.Unlock()

	return Stats{
		BacklogDepth:   depth,
		ActiveAssigned: active,
		TotalEnqueued:  s.totalEnqueued.Load(),
		TotalAssigned:  s.totalAssigned.Load(),
		TotalRequeued:  s.totalRequeued.Load(),
		TotalExhausted: s.totalExhausted.Load(),
		TotalCancelled: s.totalCancelled.Load(),
	}
}

func (s *Scheduler) maxAttempts(t *domain.Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return s.cfg.MaxAttempts
}

// retryDelay: baseDelay * 2^(attempt-1), capped.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (s *Scheduler) registryBackoff() time.Duration {
	delay := s.cfg.RegistryBackoffBase
	for i := 1; i < s.registryFailures; i++ {
		delay *= 2
		if delay >= s.cfg.RegistryBackoffMax {
			return s.cfg.RegistryBackoffMax
		}
	}
	return delay
}
