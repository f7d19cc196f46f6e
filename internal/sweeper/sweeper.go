package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/store"
)

type Store interface {
	ReapExpiredFinalAttempts(ctx context.Context, now time.Time) ([]store.Job, error)
	DeleteSucceededBefore(ctx context.Context, cutoff time.Time) (int64, error)
	MarkOutcome(ctx context.Context, p event.Provider, eventID uuid.UUID, outcome event.Outcome, detail string) error
}

// Sweeper does periodic queue maintenance: it fails jobs whose last attempt
// was abandoned and drops old succeeded jobs.
type Sweeper struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	logger    *log.Logger
	cb        *gobreaker.CircuitBreaker
	now       func() time.Time
}

func NewSweeper(s Store, interval, retention time.Duration, logger *log.Logger) *Sweeper {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sweeper",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Sweeper{
		store:     s,
		interval:  interval,
		retention: retention,
		logger:    logger.Named("sweeper"),
		cb:        cb,
		now:       time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper shutting down")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Failures are logged; the next tick retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.reap(ctx); err != nil {
		s.logger.Error("Reap failed", zap.Error(err))
	}
	if err := s.purge(ctx); err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) reap(ctx context.Context) error {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.store.ReapExpiredFinalAttempts(ctx, s.now())
	})
	if err != nil {
		return fmt.Errorf("reap expired final attempts: %w", err)
	}
	jobs := res.([]store.Job)
	for _, job := range jobs {
		detail := "lease expired on final attempt"
		if job.LastError != nil {
			detail = *job.LastError
		}
		if err := s.store.MarkOutcome(ctx, job.Provider, job.EventID, event.OutcomeFailed, detail); err != nil {
			s.logger.Error("Failed to mark reaped event failed",
				zap.Int64("job_id", job.ID), zap.String("event_id", job.EventID.String()), zap.Error(err))
			continue
		}
		s.logger.Error("Job exhausted after abandoned final attempt",
			zap.Int64("job_id", job.ID), zap.String("queue", job.Queue), zap.Int("attempt", job.Attempt))
	}
	return nil
}

func (s *Sweeper) purge(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.store.DeleteSucceededBefore(ctx, s.now().Add(-s.retention))
	})
	if err != nil {
		return fmt.Errorf("delete succeeded jobs: %w", err)
	}
	if n := res.(int64); n > 0 {
		s.logger.Info("Deleted succeeded jobs", zap.Int64("count", n))
	}
	return nil
}
