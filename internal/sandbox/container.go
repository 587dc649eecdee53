package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
)

// oomExitCode is what docker/podman report when the kernel OOM-kills
// the container (128 + SIGKILL).
const oomExitCode = 137

// ─── Container Executor ─────────────────────────────────────────────────────

// ContainerExecutor runs payloads inside docker or podman containers
// with the network disabled and CPU/memory limits enforced by the
// runtime. The per-attempt workspace is bind-mounted as the working
// directory and discarded afterwards.
type ContainerExecutor struct {
	cfg   Config
	bin   string // resolved docker/podman binary
	log   zerolog.Logger
	stats statsTracker
}

func newContainerExecutor(cfg Config, bin string, log zerolog.Logger) *ContainerExecutor {
	return &ContainerExecutor{
		cfg: cfg,
		bin: bin,
		log: log.With().Str("isolation", domain.IsolationContainer).Logger(),
	}
}

// Name identifies the executor in logs and stats.
func (e *ContainerExecutor) Name() string { return "container" }

// Isolation reports the isolation mode stamped on results.
func (e *ContainerExecutor) Isolation() string { return domain.IsolationContainer }

// Probe checks the container runtime binary still resolves and the
// workspace is writable.
func (e *ContainerExecutor) Probe(context.Context) error {
	if _, err := exec.LookPath(e.bin); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrRuntimeUnavailable, e.bin, err)
	}
	return checkWorkspace(e.cfg.WorkDir)
}

// Stats returns this executor's execution counters.
func (e *ContainerExecutor) Stats() Stats { return e.stats.snapshot() }

// Execute runs one attempt of the task inside a throwaway container.
// A failed attempt comes back as a Result with ErrorKind set and a nil
// error; a non-nil error means the sandbox itself could not be set up.
func (e *ContainerExecutor) Execute(ctx context.Context, t *domain.Task, attempt int) (domain.Result, error) {
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

	args := e.runArgs(t, ws, interp)
	stdout := newLimitedBuffer()
	stderr := newLimitedBuffer()

	cmd := exec.CommandContext(runCtx, e.bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)
	// Same hard-deadline contract as the native path: the group kill
	// reaches the runtime client and WaitDelay unblocks Run if anything
	// keeps the pipes open past the grace period.
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = e.cfg.KillGrace

	metrics.RunningTasks.Inc()
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	metrics.RunningTasks.Dec()
	metrics.ExecDuration.WithLabelValues(domain.IsolationContainer).Observe(elapsed.Seconds())

	res := domain.Result{
		TaskID:    t.ID,
		Attempt:   attempt,
		NodeID:    e.cfg.NodeID,
		Isolation: domain.IsolationContainer,
		Usage:     domain.ResourceUsage{ElapsedMS: elapsed.Milliseconds()},
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
	case exitCode(runErr) == oomExitCode:
		res.ErrorKind = domain.KindResourceExceeded
		res.ErrorMessage = fmt.Sprintf("killed at %d MB memory limit", t.Resources.MemoryMB)
	default:
		res.ErrorKind = domain.KindRuntimeCrash
		res.ErrorMessage = fmt.Sprintf("container exited: %v; stderr: %s", runErr, stderr.tail(10))
	}

	e.stats.record(&res, elapsed)
	e.log.Debug().Str("task", t.ID).Int("attempt", attempt).
		Dur("elapsed", elapsed).Str("error_kind", string(res.ErrorKind)).
		Msg("container execution finished")
	return res, nil
}

// runArgs builds the docker/podman command line for one attempt.
func (e *ContainerExecutor) runArgs(t *domain.Task, ws *workspace, interp string) []string {
	args := []string{
		"run", "--rm",
		"--network", "none",
		"--workdir", "/work",
		"--volume", ws.dir + ":/work",
		"--env", "TASKFORGE_TASK_ID=" + t.ID,
		"--env", "TASKFORGE_INPUT=/work/input.json",
	}
	if t.Resources.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", t.Resources.MemoryMB))
	}
	if t.Resources.CPUCores > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", t.Resources.CPUCores))
	}
	args = append(args, containerImages[interp], interp, "/work/"+ws.payloadRel)
	return args
}

func exitCode(err error) int {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}
