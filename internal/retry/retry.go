package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/dispatch"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/store"
)

type JobStore interface {
	Reschedule(ctx context.Context, job *store.Job, deliverAfter time.Time, lastErr string) error
	Exhaust(ctx context.Context, job *store.Job, lastErr string) error
}

type Decision int

const (
	Retried Decision = iota + 1
	Exhausted
)

func (d Decision) String() string {
	switch d {
	case Retried:
		return "retried"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// maxShift keeps base<<shift from overflowing.
const maxShift = 20

// Manager decides what happens to a job whose attempt failed.
type Manager struct {
	store  JobStore
	base   time.Duration
	logger *log.Logger
	jitter func() float64
	now    func() time.Time
}

func NewManager(js JobStore, base time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		store:  js,
		base:   base,
		logger: logger.Named("retry"),
		jitter: rand.Float64,
		now:    time.Now,
	}
}

// Backoff is the delay before the attempt after the given one:
// base * 2^(attempt-1), scaled by a jitter factor in [0.8, 1.2). The jitter
// band is narrow enough that delays still strictly increase per attempt.
func (m *Manager) Backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	d := m.base * time.Duration(1<<shift)
	factor := 0.8 + m.jitter()*0.4
	return time.Duration(float64(d) * factor)
}

// Fail records a failed attempt. Permanent failures and jobs that used their
// last attempt are exhausted; everything else is rescheduled with backoff.
func (m *Manager) Fail(ctx context.Context, job *store.Job, cause error) (Decision, error) {
	lastErr := cause.Error()
	fields := []zap.Field{
		zap.Int64("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(cause),
	}

	if dispatch.IsPermanent(cause) || job.Final() {
		if err := m.store.Exhaust(ctx, job, lastErr); err != nil {
			return 0, fmt.Errorf("exhaust job %d: %w", job.ID, err)
		}
		m.logger.Error("Job exhausted", append(fields, zap.Bool("permanent", dispatch.IsPermanent(cause)))...)
		return Exhausted, nil
	}

	backoff := m.Backoff(job.Attempt)
	if err := m.store.Reschedule(ctx, job, m.now().Add(backoff), lastErr); err != nil {
		return 0, fmt.Errorf("reschedule job %d: %w", job.ID, err)
	}
	m.logger.Warn("Job attempt failed, retrying", append(fields, zap.Duration("backoff", backoff))...)
	return Retried, nil
}
