// Package health runs the daemon's periodic self-checks. Four named
// checks cover what a node needs to keep serving tasks: the sqlite
// store, the sandbox runtime, the capability registry and the scratch
// workspace. The /health endpoint reports the first failing check.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/sqlite"
)

// Check is a single named health check.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Status is the outcome of one check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs the standard checks on an interval and caches the
// latest statuses for the API to read.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker builds the standard four checks over the daemon's
// collaborators. workDir is the sandbox scratch root; empty means the
// OS temp directory.
func NewChecker(db *sqlite.DB, reg domain.CapabilityRegistry, executor domain.Executor, workDir string) *Checker {
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				Fn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "sandbox_runtime",
				Fn: func(ctx context.Context) error {
					return executor.Probe(ctx)
				},
			},
			{
				Name: "registry",
				Fn: func(ctx context.Context) error {
					_, err := reg.ListEligibleNodes(ctx, domain.TaskCustom, 1, 1)
					return err
				},
			},
			{
				Name: "workspace",
				Fn: func(ctx context.Context) error {
					return checkWorkspace(workDir)
				},
			},
		},
	}
}

// Run executes the check loop until ctx is cancelled. The first pass
// happens immediately so /health is meaningful right after startup.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now().UTC()}
		if err := check.Fn(ctx); err != nil {
			s.Error = err.Error()
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns a copy of the latest check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Err returns nil when every check passed, or an error naming the
// first failing check. If the loop has not run yet, the checks run
// once synchronously so early /health requests still get an answer.
func (c *Checker) Err() error {
	c.mu.RLock()
	empty := len(c.statuses) == 0
	c.mu.RUnlock()
	if empty {
		c.runAll(context.Background())
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return fmt.Errorf("%s: %s", s.Name, s.Error)
		}
	}
	return nil
}

// checkWorkspace verifies the scratch root is usable by creating and
// removing a throwaway directory under it.
func checkWorkspace(dir string) error {
	if dir == "" {
		dir = os.TempDir()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", dir)
	}
	tmp, err := os.MkdirTemp(dir, "tf-health-")
	if err != nil {
		return fmt.Errorf("workspace not writable: %w", err)
	}
	return os.RemoveAll(tmp)
}
