// Package ingest turns one authenticated HTTP delivery into a recorded event
// and a queued job. The HTTP layer only maps its results to status codes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/metrics"
	"github.com/DevoteMe/webhookd/internal/provider"
	"github.com/DevoteMe/webhookd/internal/store"
)

// ErrStoreUnavailable means nothing was recorded; the provider should retry.
var ErrStoreUnavailable = errors.New("event store unavailable")

type State string

const (
	StateAcknowledged      State = "acknowledged"
	StateDuplicate         State = "deduplicated"
	StateRejectedAuth      State = "rejected_auth"
	StateRejectedMalformed State = "rejected_malformed"
	StateUnknownProvider   State = "unknown_provider"
	StateFailed            State = "failed"
)

type Result struct {
	State   State
	EventID uuid.UUID
	// Queued is false for duplicates and for events no route handles.
	Queued bool
	// Critical is set when a critical step ran and succeeded.
	Critical bool
}

type Verifier interface {
	Has(p event.Provider) bool
	Verify(p event.Provider, req *provider.Request) error
	Normalize(p event.Provider, req *provider.Request) (*event.InboundEvent, error)
}

type Recorder interface {
	RecordAndEnqueue(ctx context.Context, ev *event.InboundEvent, job *store.Job) (store.RecordResult, error)
}

type Router interface {
	Routable(p event.Provider, eventType string) bool
	DispatchCritical(ctx context.Context, ev *event.InboundEvent) (bool, error)
}

type Waker interface {
	Wake(ctx context.Context, queue string) error
}

type IDGenerator interface {
	Generate() int64
}

type Options struct {
	MaxAttempts     int
	StoreTimeout    time.Duration
	CriticalTimeout time.Duration
	// Trigger wakes local workers of a provider queue. Optional.
	Trigger func(event.Provider)
}

type Pipeline struct {
	verifier Verifier
	recorder Recorder
	router   Router
	waker    Waker
	ids      IDGenerator
	metrics  *metrics.Metrics
	logger   *log.Logger
	opts     Options
	now      func() time.Time
}

// NewPipeline wires the endpoint. waker may be nil.
func NewPipeline(v Verifier, rec Recorder, r Router, w Waker, ids IDGenerator, m *metrics.Metrics, logger *log.Logger, opts Options) *Pipeline {
	return &Pipeline{
		verifier: v,
		recorder: rec,
		router:   r,
		waker:    w,
		ids:      ids,
		metrics:  m,
		logger:   logger.Named("ingest"),
		opts:     opts,
		now:      time.Now,
	}
}

// Handle authenticates, normalizes and records one delivery. A nil error
// means the delivery must be acknowledged to the provider. Errors wrap
// event.ErrUnknownProvider, event.ErrAuthentication,
// event.ErrMalformedPayload or ErrStoreUnavailable.
func (p *Pipeline) Handle(ctx context.Context, prov event.Provider, req *provider.Request) (Result, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = p.now().UTC()
	}
	fields := []zap.Field{
		zap.String("provider", string(prov)),
		zap.String("remote_addr", req.RemoteAddr),
	}

	if !p.verifier.Has(prov) {
		p.metrics.WebhooksReceived.WithLabelValues("unknown", metrics.ResultError).Inc()
		p.logger.Warn("Webhook for unknown provider", fields...)
		return Result{State: StateUnknownProvider}, fmt.Errorf("%w: %s", event.ErrUnknownProvider, prov)
	}

	if err := p.verifier.Verify(prov, req); err != nil {
		p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultAuth).Inc()
		p.logger.Warn("Webhook signature rejected", append(fields, zap.Error(err))...)
		return Result{State: StateRejectedAuth}, err
	}

	ev, err := p.verifier.Normalize(prov, req)
	if err != nil {
		p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultMalformed).Inc()
		p.logger.Warn("Webhook payload rejected", append(fields, zap.Error(err))...)
		return Result{State: StateRejectedMalformed}, err
	}
	ev.ID = uuid.New()
	ev.RemoteAddr = req.RemoteAddr
	fields = append(fields,
		zap.String("event_type", ev.EventType),
		zap.String("external_event_id", ev.ExternalEventID),
	)

	var job *store.Job
	if p.router.Routable(prov, ev.EventType) {
		job, err = store.NewJob(p.ids.Generate(), ev, p.opts.MaxAttempts, p.now())
		if err != nil {
			p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultError).Inc()
			p.logger.Error("Failed to build job", append(fields, zap.Error(err))...)
			return Result{State: StateFailed}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	// The record must land even if the caller hangs up mid-request.
	bg := context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(bg, p.opts.StoreTimeout)
	res, err := p.recorder.RecordAndEnqueue(sctx, ev, job)
	cancel()
	if err != nil {
		p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultError).Inc()
		p.logger.Error("Failed to record webhook", append(fields, zap.Error(err))...)
		return Result{State: StateFailed}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	if res.Status == store.DuplicateIgnored {
		p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultDuplicate).Inc()
		p.logger.Info("Duplicate webhook ignored", append(fields, zap.String("event_id", res.EventID.String()))...)
		return Result{State: StateDuplicate, EventID: res.EventID}, nil
	}

	result := Result{State: StateAcknowledged, EventID: res.EventID}
	if job == nil {
		p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultIgnored).Inc()
		p.logger.Info("Webhook recorded without a handler", fields...)
		return result, nil
	}
	result.Queued = true
	p.metrics.WebhooksReceived.WithLabelValues(string(prov), metrics.ResultAccepted).Inc()

	result.Critical = p.runCritical(bg, ev, fields)
	p.wake(bg, prov)
	return result, nil
}

// runCritical performs the latency-sensitive unlock before acknowledging.
// Its failures are only logged: the queued job repeats the step.
func (p *Pipeline) runCritical(ctx context.Context, ev *event.InboundEvent, fields []zap.Field) bool {
	cctx, cancel := context.WithTimeout(ctx, p.opts.CriticalTimeout)
	defer cancel()
	ran, err := p.router.DispatchCritical(cctx, ev)
	switch {
	case err != nil:
		p.metrics.CriticalPath.WithLabelValues(string(ev.Provider), metrics.ResultFailed).Inc()
		p.logger.Warn("Critical path failed, deferring to queue", append(fields, zap.Error(err))...)
		return false
	case !ran:
		p.metrics.CriticalPath.WithLabelValues(string(ev.Provider), metrics.ResultSkipped).Inc()
		return false
	default:
		p.metrics.CriticalPath.WithLabelValues(string(ev.Provider), metrics.ResultSucceeded).Inc()
		return true
	}
}

func (p *Pipeline) wake(ctx context.Context, prov event.Provider) {
	if p.opts.Trigger != nil {
		p.opts.Trigger(prov)
	}
	if p.waker == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.waker.Wake(wctx, prov.QueueName()); err != nil {
		p.logger.Debug("Wake-up not delivered", zap.String("queue", prov.QueueName()), zap.Error(err))
	}
}
