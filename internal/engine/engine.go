// Package engine orchestrates the task lifecycle. It is the sole owner
// of task state: submissions come in through Submit, the run loop moves
// assignments through execution and verification, and settlement closes
// out the escrow. Components below the engine (scheduler, sandbox,
// verifier, store) never transition a task on their own.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
	"github.com/taskforge-net/taskforge/internal/payment"
	"github.com/taskforge-net/taskforge/internal/sandbox"
	"github.com/taskforge-net/taskforge/internal/scheduler"
	"github.com/taskforge-net/taskforge/internal/verifier"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the engine.
type Config struct {
	// TickInterval paces the scheduling loop.
	TickInterval time.Duration
	// MaxConcurrent caps simultaneously executing attempts. Assigned
	// tasks past the cap wait for a slot without losing their
	// assignment.
	MaxConcurrent int
	// DrainGrace bounds how long Close waits for running attempts.
	DrainGrace time.Duration
	// SettleSweepInterval paces the unsettled-payment retry sweep.
	SettleSweepInterval time.Duration

	// Resource ceilings rejected at submission.
	MaxCPUCores       int
	MaxMemoryMB       int
	MaxTimeoutSeconds int
}

// DefaultConfig returns production engine defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        500 * time.Millisecond,
		MaxConcurrent:       4,
		DrainGrace:          30 * time.Second,
		SettleSweepInterval: 15 * time.Second,
		MaxCPUCores:         16,
		MaxMemoryMB:         32 * 1024,
		MaxTimeoutSeconds:   3600,
	}
}

// ─── Engine ─────────────────────────────────────────────────────────────────

// Engine drives tasks from submission to settlement.
type Engine struct {
	cfg      Config
	store    domain.TaskStore
	sched    *scheduler.Scheduler
	executor domain.Executor
	verifier *verifier.Verifier
	settler  *payment.Settler
	log      zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // per running attempt
	swept   map[string]bool               // attempts killed by the deadline sweep
	closed  bool

	sem      chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	refusing atomic.Bool

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
	totalExpired   atomic.Int64
}

// New wires an engine from its collaborators.
func New(cfg Config, store domain.TaskStore, sched *scheduler.Scheduler,
	executor domain.Executor, v *verifier.Verifier, settler *payment.Settler,
	log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		executor: executor,
		verifier: v,
		settler:  settler,
		log:      log.With().Str("component", "engine").Logger(),
		cancels:  make(map[string]context.CancelFunc),
		swept:    make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// ─── Submission ─────────────────────────────────────────────────────────────

// Submit validates and accepts a task for scheduling. The returned ID is
// usable for status polling immediately.
func (e *Engine) Submit(ctx context.Context, t *domain.Task) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", domain.ErrEngineClosed
	}
	e.mu.Unlock()
	if e.refusing.Load() {
		return "", domain.ErrEngineRefusing
	}

	if err := e.validate(t); err != nil {
		return "", err
	}

	t.ID = "tsk_" + uuid.NewString()
	t.Status = domain.TaskPending
	t.StatusReason = ""
	t.Attempts = 0
	t.CreatedAt = time.Now().UTC()

	if err := e.store.SaveTask(ctx, t); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}
	e.sched.Enqueue(t)
	e.totalSubmitted.Add(1)
	metrics.TasksSubmitted.WithLabelValues(string(t.Type)).Inc()

	e.log.Info().Str("task", t.ID).Str("service", t.ServiceName).
		Str("type", string(t.Type)).Int("priority", t.Priority).
		Float64("payment", t.Payment).Msg("task accepted")
	return t.ID, nil
}

func (e *Engine) validate(t *domain.Task) error {
	if t.ServiceName == "" {
		return domain.ErrMissingService
	}
	if !domain.ValidTaskType(t.Type) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, t.Type)
	}
	if t.Payload == "" {
		return fmt.Errorf("%w: empty payload", domain.ErrInvalidSpec)
	}
	if t.Payment <= 0 {
		return domain.ErrInvalidPayment
	}
	if t.Priority == 0 {
		t.Priority = 3
	}
	if t.Priority < domain.PriorityMin || t.Priority > domain.PriorityMax {
		return domain.ErrInvalidPriority
	}
	if t.Resources.CPUCores <= 0 {
		t.Resources.CPUCores = 1
	}
	if t.Resources.MemoryMB <= 0 {
		t.Resources.MemoryMB = 512
	}
	if t.Resources.TimeoutSeconds <= 0 {
		t.Resources.TimeoutSeconds = 300
	}
	if t.Resources.CPUCores > e.cfg.MaxCPUCores ||
		t.Resources.MemoryMB > e.cfg.MaxMemoryMB ||
		t.Resources.TimeoutSeconds > e.cfg.MaxTimeoutSeconds {
		return domain.ErrResourceCeiling
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = 3
	}
	return nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetTask returns the current task record.
func (e *Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.store.GetTask(ctx, id)
}

// GetResult returns the latest result of a terminal task.
func (e *Engine) GetResult(ctx context.Context, id string) (*domain.Result, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsTerminal() {
		return nil, domain.ErrResultNotReady
	}
	return e.store.LatestResult(ctx, id)
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// Cancel stops a task. Pending tasks leave the backlog immediately; a
// running attempt is cancelled cooperatively and its partial output
// discarded. Terminal tasks cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		return domain.ErrTaskTerminal
	}

	e.sched.Cancel(id)

	e.mu.Lock()
	if cancel, ok := e.cancels[id]; ok {
		cancel()
	}
	e.mu.Unlock()

	t.Status = domain.TaskCancelled
	t.StatusReason = "cancelled by submitter"
	t.CompletedAt = time.Now().UTC()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := e.store.DeactivateAssignments(ctx, id); err != nil {
		return err
	}
	e.totalCancelled.Add(1)
	metrics.TasksFinished.WithLabelValues(string(domain.TaskCancelled)).Inc()

	if err := e.settler.Refund(ctx, t, "task cancelled"); err != nil {
		e.log.Error().Err(err).Str("task", id).Msg("record cancel refund failed")
	}
	e.log.Info().Str("task", id).Msg("task cancelled")
	return nil
}

// ─── Run Loop ───────────────────────────────────────────────────────────────

// Run executes the engine loop until ctx is cancelled. It recovers
// interrupted tasks first, then alternates scheduling passes, deadline
// sweeps and settlement retries.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}

	tick := time.NewTicker(e.cfg.TickInterval)
	defer tick.Stop()
	settle := time.NewTicker(e.cfg.SettleSweepInterval)
	defer settle.Stop()

	e.log.Info().Dur("tick", e.cfg.TickInterval).
		Int("max_concurrent", e.cfg.MaxConcurrent).Msg("engine running")

	for {
		select {
		case <-ctx.Done():
			return e.drain()
		case now := <-tick.C:
			e.guarded("schedule", func() {
				e.schedulePass(ctx, now.UTC())
				e.deadlineSweep(ctx, now.UTC())
			})
		case now := <-settle.C:
			e.guarded("settle", func() { e.settler.Sweep(ctx, now.UTC()) })
		}
	}
}

// guarded keeps one broken pass from crash-looping the daemon: the
// panic is logged, the loop keeps serving queries, and new submissions
// are refused until an operator restarts the engine.
func (e *Engine) guarded(pass string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.refusing.Store(true)
			e.log.Error().Interface("panic", r).Str("pass", pass).
				Msg("internal fault in engine loop, refusing new submissions")
		}
	}()
	fn()
}

// settlementReader is the optional store capability recovery uses to
// skip refunds already recorded on an earlier boot.
type settlementReader interface {
	GetSettlement(ctx context.Context, taskID string) (*domain.Settlement, error)
}

// recover re-enqueues tasks a previous process left behind and refunds
// the ones that ran out of attempts while down.
func (e *Engine) recover(ctx context.Context) error {
	requeue, err := e.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	for i := range requeue {
		t := requeue[i]
		e.sched.Enqueue(&t)
	}
	if len(requeue) > 0 {
		e.log.Info().Int("tasks", len(requeue)).Msg("re-enqueued interrupted tasks")
	}

	// Anything finalized as failed during recovery still owes a refund.
	// A settlement row from an earlier boot means the refund is already
	// recorded; re-issuing it would collide with the ledger's task key.
	failed, err := e.store.ListTasksByStatus(ctx, domain.TaskFailed, 100)
	if err != nil {
		return err
	}
	sr, _ := e.store.(settlementReader)
	for i := range failed {
		t := failed[i]
		if t.StatusReason != "interrupted by restart, no attempts remaining" {
			continue
		}
		if sr != nil {
			if existing, err := sr.GetSettlement(ctx, t.ID); err == nil && existing != nil {
				continue
			}
		}
		if err := e.settler.Refund(ctx, &t, t.StatusReason); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("record recovery refund failed")
		}
	}
	return nil
}

func (e *Engine) schedulePass(ctx context.Context, now time.Time) {
	for _, a := range e.sched.Tick(ctx, now) {
		t, err := e.store.GetTask(ctx, a.TaskID)
		if err != nil {
			e.log.Error().Err(err).Str("task", a.TaskID).Msg("load assigned task failed")
			continue
		}
		if t.IsTerminal() {
			// Cancelled between pop and assignment.
			e.sched.ReportOutcome(a.TaskID, true, now)
			continue
		}
		t.Status = domain.TaskAssigned
		t.AssignedNode = a.NodeID
		t.AssignedAt = a.AssignedAt
		t.Attempts = a.Attempt
		if err := e.store.UpdateTask(ctx, t); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("persist assignment failed")
			continue
		}
		if err := e.store.SaveAssignment(ctx, a); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("save assignment failed")
			continue
		}
		e.dispatch(t, a)
	}
}

// deadlineSweep fails attempts whose assignment deadline passed. The
// cancel reaches the sandbox, which kills the process; the outcome is
// handled on the execution goroutine's failure path. Attempts still
// waiting for a slot are failed here directly.
func (e *Engine) deadlineSweep(ctx context.Context, now time.Time) {
	for _, a := range e.sched.ExpiredAssignments(now) {
		e.mu.Lock()
		cancel, running := e.cancels[a.TaskID]
		if running {
			e.swept[a.TaskID] = true
		}
		e.mu.Unlock()
		if running {
			cancel()
			continue
		}
		// Never started: the slot wait timed out.
		t, err := e.store.GetTask(ctx, a.TaskID)
		if err != nil || t.IsTerminal() {
			continue
		}
		res := domain.Result{
			TaskID:       t.ID,
			Attempt:      a.Attempt,
			NodeID:       a.NodeID,
			Isolation:    e.executor.Isolation(),
			ErrorKind:    domain.KindTimeout,
			ErrorMessage: "assignment deadline passed before execution started",
			CreatedAt:    now,
		}
		e.failAttempt(ctx, t, &res, now, true)
	}
}

// ─── Execution ──────────────────────────────────────────────────────────────

// dispatch hands one assignment to the sandbox on its own goroutine,
// gated by the concurrency cap.
func (e *Engine) dispatch(t *domain.Task, a domain.Assignment) {
	attemptCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[t.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, t.ID)
			// Covers the slot-wait exit below, where the sweep may
			// have marked the attempt without executeAttempt running.
			delete(e.swept, t.ID)
			e.mu.Unlock()
		}()

		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-attemptCtx.Done():
			return
		}

		e.executeAttempt(attemptCtx, t, a)
	}()
}

func (e *Engine) executeAttempt(ctx context.Context, t *domain.Task, a domain.Assignment) {
	// Persistence uses a background context: attempt cancellation must
	// not lose state writes.
	dbCtx := context.Background()

	t.Status = domain.TaskRunning
	t.StartedAt = time.Now().UTC()
	if err := e.store.UpdateTask(dbCtx, t); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist running status failed")
	}

	res, err := e.executor.Execute(ctx, t, a.Attempt)
	now := time.Now().UTC()

	e.mu.Lock()
	expired := e.swept[t.ID]
	delete(e.swept, t.ID)
	e.mu.Unlock()
	if err != nil {
		// Sandbox setup failure, not a payload verdict.
		res = domain.Result{
			TaskID:       t.ID,
			Attempt:      a.Attempt,
			NodeID:       a.NodeID,
			Isolation:    e.executor.Isolation(),
			ErrorKind:    domain.KindRuntimeCrash,
			ErrorMessage: err.Error(),
			CreatedAt:    now,
		}
	}
	if res.NodeID == "" {
		res.NodeID = a.NodeID
	}

	latest, err := e.store.GetTask(dbCtx, t.ID)
	if err == nil && latest.IsTerminal() {
		// Cancelled mid-flight; the cancel path already settled it.
		e.sched.ReportOutcome(t.ID, true, now)
		return
	}

	if res.Failed() {
		metrics.AttemptsTotal.WithLabelValues(string(res.ErrorKind)).Inc()
		e.failAttempt(dbCtx, t, &res, now, expired)
		return
	}
	metrics.AttemptsTotal.WithLabelValues("ok").Inc()
	e.verifyAndSettle(dbCtx, t, &res, now)
}

// verifyAndSettle runs the verification stage on a successful execution
// and finalizes the task either way.
func (e *Engine) verifyAndSettle(ctx context.Context, t *domain.Task, res *domain.Result, now time.Time) {
	t.Status = domain.TaskVerifying
	if err := e.store.UpdateTask(ctx, t); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist verifying status failed")
	}

	e.verifier.Verify(t, res)
	if err := e.store.SaveResult(ctx, res); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist result failed")
	}
	e.sched.ReportOutcome(t.ID, true, now)
	if err := e.store.DeactivateAssignments(ctx, t.ID); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("deactivate assignments failed")
	}

	if res.Verification == domain.VerificationValid {
		t.Status = domain.TaskCompleted
		t.StatusReason = ""
		t.CompletedAt = now
		if err := e.store.UpdateTask(ctx, t); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("persist completion failed")
		}
		e.totalCompleted.Add(1)
		metrics.TasksFinished.WithLabelValues(string(domain.TaskCompleted)).Inc()
		if err := e.settler.Release(ctx, t); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("record release failed")
		}
		e.log.Info().Str("task", t.ID).Str("node", res.NodeID).
			Float64("confidence", res.Confidence).Msg("task completed")
		return
	}

	// Invalid or inconclusive: a wrong answer is final, not retried.
	t.Status = domain.TaskFailed
	t.StatusReason = fmt.Sprintf("verification %s (rule %s)", res.Verification, res.FailedRule)
	t.CompletedAt = now
	res.ErrorKind = domain.KindVerificationFailed
	res.ErrorMessage = t.StatusReason
	if err := e.store.SaveResult(ctx, res); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist rejected result failed")
	}
	if err := e.store.UpdateTask(ctx, t); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist failure failed")
	}
	e.totalFailed.Add(1)
	metrics.TasksFinished.WithLabelValues(string(domain.TaskFailed)).Inc()
	metrics.AttemptsTotal.WithLabelValues(string(domain.KindVerificationFailed)).Inc()
	if err := e.settler.Refund(ctx, t, t.StatusReason); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("record refund failed")
	}
}

// failAttempt records a failed execution attempt and either requeues
// the task or finalizes it once the attempt budget is spent. Attempts
// lost to an assignment deadline breach finalize as expired; everything
// else finalizes as failed.
func (e *Engine) failAttempt(ctx context.Context, t *domain.Task, res *domain.Result, now time.Time, expired bool) {
	if err := e.store.SaveResult(ctx, res); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("persist failed result failed")
	}
	if err := e.store.DeactivateAssignments(ctx, t.ID); err != nil {
		e.log.Error().Err(err).Str("task", t.ID).Msg("deactivate assignments failed")
	}

	outcome := scheduler.OutcomeExhausted
	if res.ErrorKind.Retryable() {
		outcome = e.sched.ReportOutcome(t.ID, false, now)
	} else {
		// Not worth another attempt; release the scheduler's record.
		e.sched.ReportOutcome(t.ID, true, now)
	}
	switch outcome {
	case scheduler.OutcomeRequeued:
		t.Status = domain.TaskPending
		t.StatusReason = fmt.Sprintf("attempt %d failed: %s", res.Attempt, res.ErrorKind)
		t.AssignedNode = ""
		if err := e.store.UpdateTask(ctx, t); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("persist requeue failed")
		}
		e.log.Info().Str("task", t.ID).Int("attempt", res.Attempt).
			Str("error_kind", string(res.ErrorKind)).Msg("attempt failed, task requeued")
	default:
		final := domain.TaskFailed
		if expired {
			final = domain.TaskExpired
			e.totalExpired.Add(1)
		} else {
			e.totalFailed.Add(1)
		}
		t.Status = final
		t.StatusReason = fmt.Sprintf("attempt %d failed: %s", res.Attempt, res.ErrorMessage)
		t.CompletedAt = now
		if err := e.store.UpdateTask(ctx, t); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("persist final failure failed")
		}
		metrics.TasksFinished.WithLabelValues(string(final)).Inc()
		if err := e.settler.Refund(ctx, t, t.StatusReason); err != nil {
			e.log.Error().Err(err).Str("task", t.ID).Msg("record refund failed")
		}
		e.log.Warn().Str("task", t.ID).Int("attempts", t.Attempts).
			Str("status", string(final)).Msg("task exhausted its attempts")
	}
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

// drain stops intake and waits for running attempts up to the grace
// period. Anything still running after that is killed; restart recovery
// handles the leftover records.
func (e *Engine) drain() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("engine drained cleanly")
	case <-time.After(e.cfg.DrainGrace):
		e.mu.Lock()
		for id, cancel := range e.cancels {
			e.log.Warn().Str("task", id).Msg("killing attempt at shutdown")
			cancel()
		}
		e.mu.Unlock()
		e.wg.Wait()
	}
	return nil
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats is the engine's aggregate view for the stats API.
type Stats struct {
	ByStatus  map[domain.TaskStatus]int `json:"by_status"`
	Scheduler scheduler.Stats           `json:"scheduler"`
	Sandbox   sandbox.Stats             `json:"sandbox"`
	Verifier  verifier.Stats            `json:"verifier"`
	Payment   payment.Stats             `json:"payment"`
	Running   int                       `json:"running"`
	// SuccessRate is completed over all finished runs, cancellations
	// excluded.
	SuccessRate float64 `json:"success_rate"`

	TotalSubmitted int64 `json:"total_submitted"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalCancelled int64 `json:"total_cancelled"`
	TotalExpired   int64 `json:"total_expired"`
}

// StatusCounter exposes the store's per-status counts.
type StatusCounter interface {
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// executionCounter is implemented by executors that track their own
// run counters.
type executionCounter interface {
	Stats() sandbox.Stats
}

// Stats aggregates current engine statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Scheduler:      e.sched.Stats(),
		Verifier:       e.verifier.Stats(),
		Payment:        e.settler.Stats(),
		TotalSubmitted: e.totalSubmitted.Load(),
		TotalCompleted: e.totalCompleted.Load(),
		TotalFailed:    e.totalFailed.Load(),
		TotalCancelled: e.totalCancelled.Load(),
		TotalExpired:   e.totalExpired.Load(),
	}
	e.mu.Lock()
	st.Running = len(e.cancels)
	e.mu.Unlock()

	if ec, ok := e.executor.(executionCounter); ok {
		st.Sandbox = ec.Stats()
	}

	if finished := st.TotalCompleted + st.TotalFailed + st.TotalExpired; finished > 0 {
		st.SuccessRate = float64(st.TotalCompleted) / float64(finished)
	}

	if counter, ok := e.store.(StatusCounter); ok {
		counts, err := counter.CountTasksByStatus(ctx)
		if err != nil {
			return st, err
		}
		st.ByStatus = counts
	}
	return st, nil
}
