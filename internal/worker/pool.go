package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DevoteMe/webhookd/internal/dispatch"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/metrics"
	"github.com/DevoteMe/webhookd/internal/retry"
	"github.com/DevoteMe/webhookd/internal/store"
)

type JobStore interface {
	Lease(ctx context.Context, p event.Provider, owner string, limit int, ttl time.Duration) ([]store.Job, error)
	Complete(ctx context.Context, job *store.Job) error
	MarkOutcome(ctx context.Context, p event.Provider, eventID uuid.UUID, outcome event.Outcome, detail string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.InboundEvent) (event.Outcome, error)
}

type Failer interface {
	Fail(ctx context.Context, job *store.Job, cause error) (retry.Decision, error)
}

// Tracker is told which jobs are leased so their leases can be kept alive
// until each one is processed.
type Tracker interface {
	Hold(job *store.Job)
	Release(job *store.Job)
	Valid(job *store.Job) bool
}

type Options struct {
	// Owner prefixes the lease owner of every worker; each worker leases
	// as Owner/queue/n.
	Owner          string
	Providers      []event.Provider
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	HandlerTimeout time.Duration
}

// Pool runs a fixed number of workers per provider queue. Workers poll on an
// interval and can be woken early with Trigger.
type Pool struct {
	store      JobStore
	dispatcher Dispatcher
	failer     Failer
	tracker    Tracker
	metrics    *metrics.Metrics
	logger     *log.Logger
	opts       Options
	triggers   map[event.Provider]chan struct{}
}

func NewPool(js JobStore, d Dispatcher, f Failer, t Tracker, m *metrics.Metrics, logger *log.Logger, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if len(opts.Providers) == 0 {
		opts.Providers = event.Providers()
	}
	triggers := make(map[event.Provider]chan struct{}, len(opts.Providers))
	for _, p := range opts.Providers {
		triggers[p] = make(chan struct{}, 1)
	}
	return &Pool{
		store:      js,
		dispatcher: d,
		failer:     f,
		tracker:    t,
		metrics:    m,
		logger:     logger.Named("worker"),
		opts:       opts,
		triggers:   triggers,
	}
}

func (p *Pool) owner(prov event.Provider, n int) string {
	return fmt.Sprintf("%s/%s/%d", p.opts.Owner, prov.QueueName(), n)
}

// Trigger wakes one idle worker of the provider's queue. It never blocks.
func (p *Pool) Trigger(prov event.Provider) {
	ch, ok := p.triggers[prov]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TriggerQueue is Trigger keyed by queue name, for wake-up messages.
func (p *Pool) TriggerQueue(queue string) {
	for prov := range p.triggers {
		if prov.QueueName() == queue {
			p.Trigger(prov)
			return
		}
	}
}

func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, prov := range p.opts.Providers {
		for i := 0; i < p.opts.Workers; i++ {
			prov, n := prov, i
			g.Go(func() error {
				return p.work(ctx, prov, n)
			})
		}
	}
	p.logger.Info("Worker pool started",
		zap.Int("queues", len(p.opts.Providers)), zap.Int("workers_per_queue", p.opts.Workers))
	err := g.Wait()
	p.logger.Info("Worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, prov event.Provider, n int) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	owner := p.owner(prov, n)
	logger := p.logger.With(zap.String("queue", prov.QueueName()), zap.String("owner", owner))

	for {
		if ctx.Err() != nil {
			return nil
		}
		leased, err := p.runOnce(ctx, prov, owner)
		if err != nil {
			logger.Error("Failed to lease jobs", zap.Error(err))
		}
		if err == nil && leased == p.opts.BatchSize {
			// Probably more waiting.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.triggers[prov]:
		}
	}
}

// RunOnce leases one batch from the provider's queue as the queue's first
// worker and processes it, returning how many jobs were leased.
func (p *Pool) RunOnce(ctx context.Context, prov event.Provider) (int, error) {
	return p.runOnce(ctx, prov, p.owner(prov, 0))
}

func (p *Pool) runOnce(ctx context.Context, prov event.Provider, owner string) (int, error) {
	jobs, err := p.store.Lease(ctx, prov, owner, p.opts.BatchSize, p.opts.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("lease %s: %w", prov.QueueName(), err)
	}
	// The whole batch is renewed while earlier jobs are processed.
	for i := range jobs {
		p.tracker.Hold(&jobs[i])
	}
	defer func() {
		for i := range jobs {
			p.tracker.Release(&jobs[i])
		}
	}()

	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			// Unprocessed leases expire and are picked up again.
			break
		}
		if !p.tracker.Valid(job) {
			// Another worker may hold it by now.
			p.logger.Warn("Lease expired before dispatch, skipping job",
				zap.Int64("job_id", job.ID), zap.String("queue", job.Queue), zap.String("owner", owner))
			p.tracker.Release(job)
			continue
		}
		p.process(ctx, job)
		p.tracker.Release(job)
	}
	return len(jobs), nil
}

func (p *Pool) process(ctx context.Context, job *store.Job) {
	logger := p.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.String("event_id", job.EventID.String()),
		zap.Int("attempt", job.Attempt),
	)
	start := time.Now()

	ev, err := job.Event()
	if err != nil {
		p.fail(ctx, job, dispatch.Permanent(err), logger)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, p.opts.HandlerTimeout)
	outcome, err := p.dispatcher.Dispatch(hctx, ev)
	cancel()
	p.metrics.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the lease runs out and another worker takes it.
			logger.Warn("Job interrupted by shutdown", zap.Error(err))
			return
		}
		p.fail(ctx, job, err, logger)
		return
	}

	if err := p.store.Complete(ctx, job); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			logger.Warn("Lease lost before completion", zap.Error(err))
			return
		}
		logger.Error("Failed to complete job", zap.Error(err))
		return
	}
	if err := p.store.MarkOutcome(ctx, job.Provider, job.EventID, outcome, ""); err != nil {
		logger.Error("Failed to record outcome", zap.Error(err))
	}

	result := metrics.ResultSucceeded
	switch outcome {
	case event.OutcomeIgnored:
		result = metrics.ResultIgnored
	case event.OutcomeDropped:
		result = metrics.ResultDropped
	}
	p.metrics.JobsProcessed.WithLabelValues(job.Queue, result).Inc()
	logger.Debug("Job processed", zap.String("outcome", string(outcome)), zap.Duration("took", time.Since(start)))
}

func (p *Pool) fail(ctx context.Context, job *store.Job, cause error, logger *log.Logger) {
	decision, err := p.failer.Fail(ctx, job, cause)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			logger.Warn("Lease lost before failure was recorded", zap.Error(err))
			return
		}
		logger.Error("Failed to record job failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	switch decision {
	case retry.Retried:
		p.metrics.JobsProcessed.WithLabelValues(job.Queue, metrics.ResultRetried).Inc()
	case retry.Exhausted:
		p.metrics.JobsProcessed.WithLabelValues(job.Queue, metrics.ResultExhausted).Inc()
		if err := p.store.MarkOutcome(ctx, job.Provider, job.EventID, event.OutcomeFailed, cause.Error()); err != nil {
			logger.Error("Failed to record failed outcome", zap.Error(err))
		}
	}
}
