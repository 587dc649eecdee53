package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// ─── HTTP Client ────────────────────────────────────────────────────────────

func TestClient_ReleaseAndRefund(t *testing.T) {
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ReleaseFunds(context.Background(), "tsk_1"); err != nil {
		t.Fatal(err)
	}
	if err := c.RefundFunds(context.Background(), "tsk_2", "failed"); err != nil {
		t.Fatal(err)
	}

	want := []string{"POST /escrow/tsk_1/release", "POST /escrow/tsk_2/refund"}
	for i, w := range want {
		if gotPaths[i] != w {
			t.Errorf("call %d = %q, want %q", i, gotPaths[i], w)
		}
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "escrow not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.ReleaseFunds(context.Background(), "tsk_x"); err == nil {
		t.Fatal("expected an error from a 404 response")
	}
}

// ─── Settler ────────────────────────────────────────────────────────────────

type memStore struct {
	mu   sync.Mutex
	rows map[string]*domain.Settlement
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]*domain.Settlement)} }

func (m *memStore) SaveSettlement(_ context.Context, s domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.rows[s.TaskID] = &cp
	return nil
}

func (m *memStore) MarkSettled(_ context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[taskID].Settled = true
	m.rows[taskID].SettledAt = at
	return nil
}

func (m *memStore) BumpSettlement(_ context.Context, taskID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[taskID].Attempts++
	m.rows[taskID].NextAttemptAt = next
	return nil
}

func (m *memStore) UnsettledDue(_ context.Context, now time.Time, _ int) ([]domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Settlement
	for _, s := range m.rows {
		if !s.Settled && !s.NextAttemptAt.After(now) {
			due = append(due, *s)
		}
	}
	return due, nil
}

type flakyCollaborator struct {
	mu       sync.Mutex
	failures int
	releases []string
	refunds  []string
}

func (f *flakyCollaborator) ReleaseFunds(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("escrow service down")
	}
	f.releases = append(f.releases, taskID)
	return nil
}

func (f *flakyCollaborator) RefundFunds(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("escrow service down")
	}
	f.refunds = append(f.refunds, taskID)
	return nil
}

func TestSettler_ReleaseFirstTry(t *testing.T) {
	store := newMemStore()
	collab := &flakyCollaborator{}
	s := NewSettler(store, collab, zerolog.Nop())

	task := &domain.Task{ID: "tsk_1", Payment: 3.0}
	if err := s.Release(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if len(collab.releases) != 1 || collab.releases[0] != "tsk_1" {
		t.Fatalf("releases = %v", collab.releases)
	}
	if !store.rows["tsk_1"].Settled {
		t.Error("settlement not marked settled")
	}
}

func TestSettler_RetriesOnSweep(t *testing.T) {
	store := newMemStore()
	collab := &flakyCollaborator{failures: 2}
	s := NewSettler(store, collab, zerolog.Nop())

	task := &domain.Task{ID: "tsk_1", Payment: 1.0}
	if err := s.Refund(context.Background(), task, "task failed"); err != nil {
		t.Fatal(err)
	}

	rec := store.rows["tsk_1"]
	if rec.Settled {
		t.Fatal("settled despite collaborator failure")
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	// Second failure, then success.
	s.Sweep(context.Background(), rec.NextAttemptAt.Add(time.Second))
	s.Sweep(context.Background(), store.rows["tsk_1"].NextAttemptAt.Add(time.Second))

	if !store.rows["tsk_1"].Settled {
		t.Error("settlement never succeeded across sweeps")
	}
	if len(collab.refunds) != 1 {
		t.Errorf("refunds = %v, want exactly one", collab.refunds)
	}
}

func TestSettler_SweepSkipsFutureRetries(t *testing.T) {
	store := newMemStore()
	collab := &flakyCollaborator{failures: 1}
	s := NewSettler(store, collab, zerolog.Nop())

	task := &domain.Task{ID: "tsk_1", Payment: 1.0}
	s.Release(context.Background(), task)

	// The retry is scheduled in the future; an early sweep must not fire.
	s.Sweep(context.Background(), time.Now().UTC())
	if store.rows["tsk_1"].Attempts != 1 {
		t.Errorf("attempts = %d, early sweep should not retry", store.rows["tsk_1"].Attempts)
	}
}

func TestSettler_BackoffGrows(t *testing.T) {
	s := NewSettler(newMemStore(), &flakyCollaborator{}, zerolog.Nop())

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := s.retryDelay(attempt)
		if d < prev {
			t.Errorf("delay shrank at attempt %d: %s < %s", attempt, d, prev)
		}
		prev = d
	}
	if s.retryDelay(50) != s.retryMax {
		t.Errorf("delay uncapped: %s", s.retryDelay(50))
	}
}
