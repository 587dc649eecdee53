// Package sandbox executes task payloads in isolation.
//
// Two executors implement the same contract:
//
//	ContainerExecutor: runs the payload inside docker/podman with the
//	  network disabled and CPU/memory limits enforced by the runtime
//	NativeExecutor:    fallback subprocess execution with an
//	  interpreter allow-list and a private temp workspace
//
// Select probes for a container runtime and falls back to native, so a
// node without docker still serves tasks (with weaker isolation).
package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// maxOutputBytes caps captured stdout/stderr per attempt.
const maxOutputBytes = 64 * 1024

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures sandbox execution.
type Config struct {
	// Runtime selects the isolation backend: "auto", "docker",
	// "podman", or "native".
	Runtime string
	// NodeID is stamped on every result this node produces.
	NodeID string
	// WorkDir holds per-attempt scratch workspaces. Empty means the
	// OS temp dir.
	WorkDir string
	// DefaultTimeout applies when a task declares none.
	DefaultTimeout time.Duration
	// KillGrace is how long to wait after a kill before giving up on
	// process reaping.
	KillGrace time.Duration
}

// DefaultConfig returns sandbox defaults.
func DefaultConfig() Config {
	return Config{
		Runtime:        "auto",
		DefaultTimeout: 5 * time.Minute,
		KillGrace:      5 * time.Second,
	}
}

// interpreters maps the allow-listed interpreter names to payload file
// extensions. Anything else is rejected before a process is spawned.
var interpreters = map[string]string{
	"python3": "py",
	"node":    "js",
	"bash":    "sh",
	"sh":      "sh",
}

// containerImages maps interpreters to the image used for container
// isolation.
var containerImages = map[string]string{
	"python3": "python:3.11-slim",
	"node":    "node:20-slim",
	"bash":    "alpine:3",
	"sh":      "alpine:3",
}

// ─── Executor Selection ─────────────────────────────────────────────────────

// Select builds the executor for the configured runtime. "auto" prefers
// docker, then podman, then native.
func Select(cfg Config, log zerolog.Logger) (domain.Executor, error) {
	log = log.With().Str("component", "sandbox").Logger()

	switch cfg.Runtime {
	case "docker", "podman":
		bin, err := exec.LookPath(cfg.Runtime)
		if err != nil {
			return nil, fmt.Errorf("%w: %s not in PATH", domain.ErrRuntimeUnavailable, cfg.Runtime)
		}
		return newContainerExecutor(cfg, bin, log), nil
	case "native":
		return newNativeExecutor(cfg, log), nil
	case "auto", "":
		for _, rt := range []string{"docker", "podman"} {
			if bin, err := exec.LookPath(rt); err == nil {
				log.Info().Str("runtime", rt).Msg("container runtime detected")
				return newContainerExecutor(cfg, bin, log), nil
			}
		}
		log.Warn().Msg("no container runtime found, falling back to native execution")
		return newNativeExecutor(cfg, log), nil
	default:
		return nil, fmt.Errorf("%w: unknown runtime %q", domain.ErrRuntimeUnavailable, cfg.Runtime)
	}
}

// ─── Execution Stats ────────────────────────────────────────────────────────

// Stats aggregates a node's execution counters across attempts.
type Stats struct {
	Executions   int64 `json:"executions"`
	Failures     int64 `json:"failures"`
	Timeouts     int64 `json:"timeouts"`
	AvgElapsedMS int64 `json:"avg_elapsed_ms"`
}

// statsTracker collects the counters behind Stats.
type statsTracker struct {
	executions atomic.Int64
	failures   atomic.Int64
	timeouts   atomic.Int64
	elapsedMS  atomic.Int64
}

func (s *statsTracker) record(res *domain.Result, elapsed time.Duration) {
	s.executions.Add(1)
	s.elapsedMS.Add(elapsed.Milliseconds())
	if res.Failed() {
		s.failures.Add(1)
	}
	if res.ErrorKind == domain.KindTimeout {
		s.timeouts.Add(1)
	}
}

func (s *statsTracker) snapshot() Stats {
	st := Stats{
		Executions: s.executions.Load(),
		Failures:   s.failures.Load(),
		Timeouts:   s.timeouts.Load(),
	}
	if st.Executions > 0 {
		st.AvgElapsedMS = s.elapsedMS.Load() / st.Executions
	}
	return st
}

// ─── Workspace & Payload ────────────────────────────────────────────────────

// workspace is the per-attempt scratch directory. It holds the payload
// file and input.json and is removed when the attempt finishes.
type workspace struct {
	dir        string
	payloadRel string // payload file name within dir
}

func prepareWorkspace(baseDir string, t *domain.Task, attempt int, interp string) (*workspace, error) {
	dir, err := os.MkdirTemp(baseDir, fmt.Sprintf("tf-%s-a%d-", t.ID, attempt))
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	payloadRel := "task." + interpreters[interp]
	if err := os.WriteFile(filepath.Join(dir, payloadRel), []byte(t.Payload), 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write payload: %w", err)
	}

	input := t.InputData
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("encode input data: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), raw, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write input data: %w", err)
	}

	return &workspace{dir: dir, payloadRel: payloadRel}, nil
}

func (w *workspace) cleanup() { os.RemoveAll(w.dir) }

// checkWorkspace verifies the scratch directory is writable by creating
// and removing a throwaway subdirectory.
func checkWorkspace(baseDir string) error {
	dir, err := os.MkdirTemp(baseDir, "tf-check-")
	if err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}
	return os.RemoveAll(dir)
}

// taskInterpreter resolves and validates the interpreter for a task.
// Tasks choose via metadata; the default is python3.
func taskInterpreter(t *domain.Task) (string, error) {
	interp := t.Metadata["interpreter"]
	if interp == "" {
		interp = "python3"
	}
	if _, ok := interpreters[interp]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrInterpreterForbidden, interp)
	}
	return interp, nil
}

func taskTimeout(cfg Config, t *domain.Task) time.Duration {
	if d := t.Resources.Timeout(); d > 0 {
		return d
	}
	return cfg.DefaultTimeout
}

// scrubEnv builds a minimal environment for native payloads instead of
// inheriting the daemon's. Only PATH and a few locale basics survive.
func scrubEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL", "SYSTEMROOT"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// ─── Output Capture ─────────────────────────────────────────────────────────

// limitedBuffer is a thread-safe buffer that keeps only the last max
// bytes written, so a chatty payload cannot grow memory unbounded.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newLimitedBuffer() *limitedBuffer { return &limitedBuffer{max: maxOutputBytes} }

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// tail returns the last n lines of the buffer, for compact error
// messages.
func (b *limitedBuffer) tail(n int) string {
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
