// Package recurring submits templated tasks on cron schedules. Each
// firing clones the schedule's template into a fresh submission; a
// firing that fails to submit is logged and skipped, never retried out
// of band.
package recurring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
)

// Submitter accepts task submissions; satisfied by the engine.
type Submitter interface {
	Submit(ctx context.Context, t *domain.Task) (string, error)
}

// Store persists schedules across restarts; satisfied by the sqlite DB.
type Store interface {
	SaveSchedule(ctx context.Context, s domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	TouchSchedule(ctx context.Context, id string, at time.Time) error
}

// ─── Runner ─────────────────────────────────────────────────────────────────

// Runner owns the cron timer and the schedule registry.
type Runner struct {
	store     Store
	submitter Submitter
	cron      *cron.Cron
	log       zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule ID → cron entry
}

// NewRunner creates a runner; call Start to load persisted schedules
// and begin firing.
func NewRunner(store Store, submitter Submitter, log zerolog.Logger) *Runner {
	return &Runner{
		store:     store,
		submitter: submitter,
		cron:      cron.New(),
		log:       log.With().Str("component", "recurring").Logger(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start loads persisted schedules and starts the cron timer.
func (r *Runner) Start(ctx context.Context) error {
	schedules, err := r.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		if err := r.register(s); err != nil {
			r.log.Error().Err(err).Str("schedule", s.ID).Msg("skipping unloadable schedule")
		}
	}
	r.cron.Start()
	r.log.Info().Int("schedules", len(r.entries)).Msg("recurring schedules loaded")
	return nil
}

// Stop halts the cron timer and waits for in-flight firings.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Add validates and persists a new schedule, firing from now on.
func (r *Runner) Add(ctx context.Context, name, cronExpr string, template domain.Task) (*domain.Schedule, error) {
	if name == "" {
		return nil, fmt.Errorf("schedule name required")
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s := domain.Schedule{
		ID:        "sch_" + uuid.NewString(),
		Name:      name,
		CronExpr:  cronExpr,
		Template:  template,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.SaveSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("persist schedule: %w", err)
	}
	if err := r.register(s); err != nil {
		return nil, err
	}
	r.log.Info().Str("schedule", s.ID).Str("cron", cronExpr).Msg("schedule added")
	return &s, nil
}

// Remove deletes a schedule and stops its firings.
func (r *Runner) Remove(ctx context.Context, id string) error {
	found, err := r.store.DeleteSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("schedule %s not found", id)
	}
	r.mu.Lock()
	if entryID, ok := r.entries[id]; ok {
		r.cron.Remove(entryID)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	r.log.Info().Str("schedule", id).Msg("schedule removed")
	return nil
}

// List returns all persisted schedules.
func (r *Runner) List(ctx context.Context) ([]domain.Schedule, error) {
	return r.store.ListSchedules(ctx)
}

func (r *Runner) register(s domain.Schedule) error {
	entryID, err := r.cron.AddFunc(s.CronExpr, func() { r.fire(s) })
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", s.ID, err)
	}
	r.mu.Lock()
	r.entries[s.ID] = entryID
	r.mu.Unlock()
	return nil
}

// fire clones the template and submits it.
func (r *Runner) fire(s domain.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t := cloneTemplate(s.Template)
	taskID, err := r.submitter.Submit(ctx, &t)
	if err != nil {
		r.log.Error().Err(err).Str("schedule", s.ID).Msg("scheduled submission failed")
		return
	}
	if err := r.store.TouchSchedule(ctx, s.ID, time.Now().UTC()); err != nil {
		r.log.Error().Err(err).Str("schedule", s.ID).Msg("record firing time failed")
	}
	r.log.Info().Str("schedule", s.ID).Str("task", taskID).Msg("scheduled task submitted")
}

// cloneTemplate copies the spec fields of the template, dropping any
// lifecycle state it carried.
func cloneTemplate(tmpl domain.Task) domain.Task {
	t := domain.Task{
		ServiceName:  tmpl.ServiceName,
		Type:         tmpl.Type,
		Payload:      tmpl.Payload,
		Resources:    tmpl.Resources,
		MaxRetries:   tmpl.MaxRetries,
		Priority:     tmpl.Priority,
		Payment:      tmpl.Payment,
		EscrowID:     tmpl.EscrowID,
		ExpectedHash: tmpl.ExpectedHash,
	}
	if len(tmpl.InputData) > 0 {
		t.InputData = make(map[string]any, len(tmpl.InputData))
		for k, v := range tmpl.InputData {
			t.InputData[k] = v
		}
	}
	if len(tmpl.Metadata) > 0 {
		t.Metadata = make(map[string]string, len(tmpl.Metadata))
		for k, v := range tmpl.Metadata {
			t.Metadata[k] = v
		}
	}
	return t
}
