package payment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/infra/metrics"
)

// Store is the durable settlement ledger the settler drives.
type Store interface {
	SaveSettlement(ctx context.Context, s domain.Settlement) error
	MarkSettled(ctx context.Context, taskID string, at time.Time) error
	BumpSettlement(ctx context.Context, taskID string, next time.Time) error
	UnsettledDue(ctx context.Context, now time.Time, limit int) ([]domain.Settlement, error)
}

// ─── Settler ────────────────────────────────────────────────────────────────

// Settler resolves task escrows exactly once. Every terminal task gets
// a settlement row first; the collaborator call happens after, and a
// failed call leaves the row unsettled for the sweep to retry with
// capped backoff. Settlement never changes task state.
type Settler struct {
	store        Store
	collaborator domain.PaymentCollaborator
	log          zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration

	releases atomic.Int64
	refunds  atomic.Int64
	settled  atomic.Int64
	retries  atomic.Int64
}

// NewSettler creates a settler over the given ledger and collaborator.
func NewSettler(store Store, collaborator domain.PaymentCollaborator, log zerolog.Logger) *Settler {
	return &Settler{
		store:        store,
		collaborator: collaborator,
		log:          log.With().Str("component", "settler").Logger(),
		retryBase:    5 * time.Second,
		retryMax:     10 * time.Minute,
	}
}

// Release records and attempts a release settlement for a completed task.
func (s *Settler) Release(ctx context.Context, t *domain.Task) error {
	return s.settle(ctx, domain.Settlement{
		TaskID:        t.ID,
		Kind:          domain.SettlementRelease,
		Amount:        t.Payment,
		NextAttemptAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	})
}

// Refund records and attempts a refund settlement for a failed,
// cancelled or expired task.
func (s *Settler) Refund(ctx context.Context, t *domain.Task, reason string) error {
	return s.settle(ctx, domain.Settlement{
		TaskID:        t.ID,
		Kind:          domain.SettlementRefund,
		Amount:        t.Payment,
		Reason:        reason,
		NextAttemptAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	})
}

func (s *Settler) settle(ctx context.Context, rec domain.Settlement) error {
	if err := s.store.SaveSettlement(ctx, rec); err != nil {
		return err
	}
	switch rec.Kind {
	case domain.SettlementRelease:
		s.releases.Add(1)
	case domain.SettlementRefund:
		s.refunds.Add(1)
	}
	s.attempt(ctx, rec, time.Now().UTC())
	return nil
}

// Sweep retries every unsettled record whose backoff elapsed. Called
// periodically by the engine loop.
func (s *Settler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.UnsettledDue(ctx, now, 50)
	if err != nil {
		s.log.Error().Err(err).Msg("settlement sweep query failed")
		return
	}
	for _, rec := range due {
		s.attempt(ctx, rec, now)
	}
}

func (s *Settler) attempt(ctx context.Context, rec domain.Settlement, now time.Time) {
	var err error
	switch rec.Kind {
	case domain.SettlementRelease:
		err = s.collaborator.ReleaseFunds(ctx, rec.TaskID)
	case domain.SettlementRefund:
		err = s.collaborator.RefundFunds(ctx, rec.TaskID, rec.Reason)
	}

	if err != nil {
		next := now.Add(s.retryDelay(rec.Attempts + 1))
		if bumpErr := s.store.BumpSettlement(ctx, rec.TaskID, next); bumpErr != nil {
			s.log.Error().Err(bumpErr).Str("task", rec.TaskID).Msg("record settlement retry failed")
		}
		s.retries.Add(1)
		metrics.PaymentRetries.Inc()
		s.log.Warn().Err(err).Str("task", rec.TaskID).Str("kind", string(rec.Kind)).
			Time("next_attempt", next).Msg("settlement attempt failed")
		return
	}

	if err := s.store.MarkSettled(ctx, rec.TaskID, now); err != nil {
		s.log.Error().Err(err).Str("task", rec.TaskID).Msg("mark settled failed")
		return
	}
	s.settled.Add(1)
	metrics.PaymentsSettled.WithLabelValues(string(rec.Kind)).Inc()
	s.log.Info().Str("task", rec.TaskID).Str("kind", string(rec.Kind)).
		Float64("amount", rec.Amount).Msg("escrow settled")
}

// Stats counts settlement activity since startup.
type Stats struct {
	Releases int64 `json:"releases"`
	Refunds  int64 `json:"refunds"`
	Settled  int64 `json:"settled"`
	Retries  int64 `json:"retries"`
}

// Stats returns the settler's counters.
func (s *Settler) Stats() Stats {
	return Stats{
		Releases: s.releases.Load(),
		Refunds:  s.refunds.Load(),
		Settled:  s.settled.Load(),
		Retries:  s.retries.Load(),
	}
}

func (s *Settler) retryDelay(attempt int) time.Duration {
	delay := s.retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	return delay
}
