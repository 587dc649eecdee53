package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── Interpreter Allow List ─────────────────────────────────────────────────

func TestTaskInterpreter(t *testing.T) {
	task := &domain.Task{ID: "tsk_1"}
	interp, err := taskInterpreter(task)
	if err != nil {
		t.Fatal(err)
	}
	if interp != "python3" {
		t.Errorf("default interpreter = %s, want python3", interp)
	}

	task.Metadata = map[string]string{"interpreter": "node"}
	if interp, _ = taskInterpreter(task); interp != "node" {
		t.Errorf("interpreter = %s, want node", interp)
	}

	task.Metadata["interpreter"] = "perl"
	if _, err = taskInterpreter(task); err == nil {
		t.Fatal("off-list interpreter accepted")
	}
}

// ─── Workspace ──────────────────────────────────────────────────────────────

func TestPrepareWorkspace(t *testing.T) {
	task := &domain.Task{
		ID:        "tsk_ws",
		Payload:   "print('hello')",
		InputData: map[string]any{"n": float64(3)},
	}

	ws, err := prepareWorkspace(t.TempDir(), task, 1, "python3")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.cleanup()

	payload, err := os.ReadFile(filepath.Join(ws.dir, ws.payloadRel))
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != task.Payload {
		t.Errorf("payload file = %q, want %q", payload, task.Payload)
	}
	if !strings.HasSuffix(ws.payloadRel, ".py") {
		t.Errorf("payload file %q should carry the interpreter extension", ws.payloadRel)
	}

	input, err := os.ReadFile(filepath.Join(ws.dir, "input.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(input), `"n":3`) {
		t.Errorf("input.json = %s, missing input data", input)
	}

	ws.cleanup()
	if _, err := os.Stat(ws.dir); !os.IsNotExist(err) {
		t.Error("cleanup left the workspace behind")
	}
}

// ─── Output Capture ─────────────────────────────────────────────────────────

func TestLimitedBufferTrimsToTail(t *testing.T) {
	b := &limitedBuffer{max: 16}
	b.Write([]byte("0123456789"))
	b.Write([]byte("abcdefghij"))

	got := b.String()
	if len(got) != 16 {
		t.Fatalf("len = %d, want 16", len(got))
	}
	if !strings.HasSuffix(got, "abcdefghij") {
		t.Errorf("buffer %q should keep the newest bytes", got)
	}
}

func TestLimitedBufferTail(t *testing.T) {
	b := newLimitedBuffer()
	b.Write([]byte("one\ntwo\nthree\nfour\n"))
	if got := b.tail(2); got != "three\nfour" {
		t.Errorf("tail(2) = %q, want last two lines", got)
	}
}

// ─── Container Arguments ────────────────────────────────────────────────────

func TestContainerRunArgs(t *testing.T) {
	e := newContainerExecutor(DefaultConfig(), "/usr/bin/docker", zerolog.Nop())
	task := &domain.Task{
		ID:        "tsk_args",
		Payload:   "print(1)",
		Resources: domain.Resources{CPUCores: 2, MemoryMB: 1024, TimeoutSeconds: 30},
	}
	ws := &workspace{dir: "/tmp/tf-x", payloadRel: "task.py"}

	args := strings.Join(e.runArgs(task, ws, "python3"), " ")
	for _, want := range []string{
		"--network none",
		"--memory 1024m",
		"--cpus 2",
		"--volume /tmp/tf-x:/work",
		"python:3.11-slim python3 /work/task.py",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("run args missing %q: %s", want, args)
		}
	}
}

// ─── Native Execution ───────────────────────────────────────────────────────

func TestNativeExecute_Shell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.NodeID = "test-node"
	cfg.WorkDir = t.TempDir()
	e := newNativeExecutor(cfg, zerolog.Nop())

	task := &domain.Task{
		ID:        "tsk_sh",
		Payload:   "echo hello from the sandbox",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 10},
	}

	res, err := e.Execute(context.Background(), task, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("execution failed: %s %s", res.ErrorKind, res.ErrorMessage)
	}
	if !strings.Contains(res.Output, "hello from the sandbox") {
		t.Errorf("output = %q", res.Output)
	}
	if res.OutputHash != domain.HashOutput(res.Output) {
		t.Error("output hash does not match output")
	}
	if res.Isolation != domain.IsolationNative {
		t.Errorf("isolation = %s, want native", res.Isolation)
	}
	if res.NodeID != "test-node" {
		t.Errorf("node = %s, want test-node", res.NodeID)
	}
}

func TestNativeExecute_NonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	e := newNativeExecutor(cfg, zerolog.Nop())

	task := &domain.Task{
		ID:        "tsk_crash",
		Payload:   "echo boom >&2; exit 3",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 10},
	}

	res, err := e.Execute(context.Background(), task, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorKind != domain.KindRuntimeCrash {
		t.Fatalf("error kind = %s, want runtime_crash", res.ErrorKind)
	}
	if !strings.Contains(res.ErrorMessage, "boom") {
		t.Errorf("error message %q should carry stderr", res.ErrorMessage)
	}
}

func TestNativeExecute_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.KillGrace = time.Second
	e := newNativeExecutor(cfg, zerolog.Nop())

	task := &domain.Task{
		ID:        "tsk_slow",
		Payload:   "sleep 30",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 1},
	}

	start := time.Now()
	res, err := e.Execute(context.Background(), task, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorKind != domain.KindTimeout {
		t.Fatalf("error kind = %s, want timeout", res.ErrorKind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, kill was not prompt", elapsed)
	}
}

func TestNativeExecute_TimeoutKillsChildren(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.KillGrace = time.Second
	e := newNativeExecutor(cfg, zerolog.Nop())

	// The interpreter spawns a long-lived child holding the output
	// pipes. The deadline must kill the whole group; killing only the
	// interpreter leaves Execute blocked until the child exits.
	task := &domain.Task{
		ID:        "tsk_spawner",
		Payload:   "sleep 30 &\nwait",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 1},
	}

	start := time.Now()
	res, err := e.Execute(context.Background(), task, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorKind != domain.KindTimeout {
		t.Fatalf("error kind = %s, want timeout", res.ErrorKind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("deadline breached by child process, Execute took %s", elapsed)
	}
}

func TestNativeExecutor_Stats(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.KillGrace = time.Second
	e := newNativeExecutor(cfg, zerolog.Nop())

	ok := &domain.Task{
		ID: "tsk_ok", Payload: "echo fine",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 10},
	}
	slow := &domain.Task{
		ID: "tsk_slow", Payload: "sleep 30",
		Metadata:  map[string]string{"interpreter": "sh"},
		Resources: domain.Resources{TimeoutSeconds: 1},
	}

	if _, err := e.Execute(context.Background(), ok, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(context.Background(), slow, 1); err != nil {
		t.Fatal(err)
	}

	st := e.Stats()
	if st.Executions != 2 {
		t.Errorf("executions = %d, want 2", st.Executions)
	}
	if st.Failures != 1 || st.Timeouts != 1 {
		t.Errorf("failures = %d timeouts = %d, want 1 and 1", st.Failures, st.Timeouts)
	}
	if st.AvgElapsedMS <= 0 {
		t.Errorf("avg elapsed = %dms, want > 0", st.AvgElapsedMS)
	}
}

func TestNativeExecutor_Probe(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	e := newNativeExecutor(cfg, zerolog.Nop())
	if err := e.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error: %v", err)
	}

	// An unusable workspace fails the self-check.
	cfg.WorkDir = filepath.Join(t.TempDir(), "missing")
	e = newNativeExecutor(cfg, zerolog.Nop())
	if err := e.Probe(context.Background()); err == nil {
		t.Fatal("Probe() accepted a missing workspace")
	}
}

// ─── Selection ──────────────────────────────────────────────────────────────

func TestSelect_NativeFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime = "native"
	e, err := Select(cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if e.Isolation() != domain.IsolationNative {
		t.Errorf("isolation = %s, want native", e.Isolation())
	}
}

func TestSelect_UnknownRuntime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Runtime = "chroot"
	if _, err := Select(cfg, zerolog.Nop()); err == nil {
		t.Fatal("unknown runtime accepted")
	}
}
