package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
)

// ─── Native Executor ────────────────────────────────────────────────────────

// NativeExecutor runs payloads as direct subprocesses. Isolation is
// weaker than containers: no network blocking, limits enforced only
// through the deadline and the interpreter allow-list. Used when no
// container runtime is available.
type NativeExecutor struct {
	cfg   Config
	log   zerolog.Logger
	stats statsTracker
}

func newNativeExecutor(cfg Config, log zerolog.Logger) *NativeExecutor {
	return &NativeExecutor{cfg: cfg, log: log.With().Str("isolation", domain.IsolationNative).Logger()}
}

// Name identifies the executor in logs and stats.
func (e *NativeExecutor) Name() string { return "native" }

// Isolation reports the isolation mode stamped on results.
func (e *NativeExecutor) Isolation() string { return domain.IsolationNative }

// Probe checks that native execution is possible right now: at least
// one allow-listed interpreter resolves and the workspace is writable.
func (e *NativeExecutor) Probe(context.Context) error {
	found := false
	for interp := range interpreters {
		if _, err := exec.LookPath(interp); err == nil {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: no allow-listed interpreter in PATH", domain.ErrRuntimeUnavailable)
	}
	return checkWorkspace(e.cfg.WorkDir)
}

// Stats returns this executor's execution counters.
func (e *NativeExecutor) Stats() Stats { return e.stats.snapshot() }

// Execute runs one attempt of the task. A failed attempt comes back as
// a Result with ErrorKind set and a nil error; a non-nil error means
// the sandbox itself could not be set up.
func (e *NativeExecutor) Execute(ctx context.Context, t *domain.Task, attempt int) (domain.Result, error) {
	interp, err := taskInterpreter(t)
	if err != nil {
		return domain.Result{}, err
	}
	ws, err := prepareWorkspace(e.cfg.WorkDir, t, attempt, interp)
	if err != nil {
		return domain.Result{}, err
	}
	defer ws.cleanup()

	timeout := taskTimeout(e.cfg, t)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newLimitedBuffer()
	stderr := newLimitedBuffer()

	cmd := exec.CommandContext(runCtx, interp, filepath.Join(ws.dir, ws.payloadRel))
	cmd.Dir = ws.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(scrubEnv(),
		"TASKFORGE_TASK_ID="+t.ID,
		"TASKFORGE_INPUT="+filepath.Join(ws.dir, "input.json"),
	)
	configureProcess(cmd)
	// The deadline must be hard: kill the whole process group, and give
	// up on the output pipes after the grace period so Run cannot be
	// held open by an orphaned child.
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = e.cfg.KillGrace

	metrics.RunningTasks.Inc()
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	metrics.RunningTasks.Dec()
	metrics.ExecDuration.WithLabelValues(domain.IsolationNative).Observe(elapsed.Seconds())

	res := domain.Result{
		TaskID:    t.ID,
		Attempt:   attempt,
		NodeID:    e.cfg.NodeID,
		Isolation: domain.IsolationNative,
		Usage:     processUsage(cmd, elapsed),
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case runErr == nil:
		res.Output = stdout.String()
		res.OutputHash = domain.HashOutput(res.Output)
	case runCtx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled):
		res.ErrorKind = domain.KindTimeout
		res.ErrorMessage = fmt.Sprintf("execution exceeded %s", timeout)
	case ctx.Err() != nil:
		res.ErrorKind = domain.KindRuntimeCrash
		res.ErrorMessage = "execution cancelled"
	default:
		res.ErrorKind = domain.KindRuntimeCrash
		res.ErrorMessage = fmt.Sprintf("%s exited: %v; stderr: %s", interp, runErr, stderr.tail(10))
	}

	e.stats.record(&res, elapsed)
	e.log.Debug().Str("task", t.ID).Int("attempt", attempt).
		Dur("elapsed", elapsed).Str("error_kind", string(res.ErrorKind)).
		Msg("native execution finished")
	return res, nil
}
