package health

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/sqlite"
	"github.com/taskforge-net/taskforge/internal/registry"
)

type stubExecutor struct{ err error }

func (s stubExecutor) Name() string                  { return "stub" }
func (s stubExecutor) Isolation() string             { return domain.IsolationNative }
func (s stubExecutor) Probe(_ context.Context) error { return s.err }
func (s stubExecutor) Execute(_ context.Context, _ *domain.Task, _ int) (domain.Result, error) {
	return domain.Result{}, nil
}

func newTestChecker(t *testing.T, executor domain.Executor, workDir string) *Checker {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := registry.NewStatic([]domain.NodeCapability{{
		NodeID: "node-1", CPUCores: 4, MemoryMB: 8192,
		SupportedTypes: []domain.TaskType{domain.TaskCustom},
		Reputation:     90,
	}})
	return NewChecker(db, reg, executor, workDir)
}

func TestChecker_AllHealthy(t *testing.T) {
	c := newTestChecker(t, stubExecutor{}, t.TempDir())
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 4 {
		t.Fatalf("statuses = %d, want 4", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q failed: %s", s.Name, s.Error)
		}
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestChecker_SandboxFailureNamed(t *testing.T) {
	c := newTestChecker(t, stubExecutor{err: domain.ErrRuntimeUnavailable}, t.TempDir())
	c.runAll(context.Background())

	err := c.Err()
	if err == nil {
		t.Fatal("Err() = nil with a failing sandbox check")
	}
	if !strings.Contains(err.Error(), "sandbox_runtime") {
		t.Errorf("Err() = %q, should name the sandbox_runtime check", err)
	}
}

func TestChecker_WorkspaceNotADirectory(t *testing.T) {
	workDir := filepath.Join(t.TempDir(), "scratch")
	if err := os.WriteFile(workDir, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := newTestChecker(t, stubExecutor{}, workDir)
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "workspace" && s.Healthy {
			t.Error("workspace check passed on a plain file")
		}
	}
}

func TestChecker_ErrRunsOnDemand(t *testing.T) {
	c := newTestChecker(t, stubExecutor{}, t.TempDir())

	// No loop has run yet; Err evaluates the checks itself.
	if err := c.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if got := len(c.Statuses()); got != 4 {
		t.Errorf("statuses after on-demand Err() = %d, want 4", got)
	}
}

func TestChecker_StatusesCopy(t *testing.T) {
	c := newTestChecker(t, stubExecutor{}, t.TempDir())
	c.runAll(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()
	s1[0].Healthy = false
	if !s2[0].Healthy {
		t.Error("Statuses() should return a copy")
	}
}
