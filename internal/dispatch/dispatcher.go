package dispatch

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/DevoteMe/webhookd/internal/collab"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
)

type Family string

const (
	FamilySubscription Family = "subscription_lifecycle"
	FamilyPayment      Family = "one_time_payment"
	FamilyProfile      Family = "customer_profile_sync"
	FamilyDelivery     Family = "delivery_status"
	FamilyMedia        Family = "media_lifecycle"
)

type HandlerFunc func(ctx context.Context, ev *event.InboundEvent) error

// Route binds a provider event type to a handler. An EventType ending in
// ".*" matches every type with that prefix; exact matches win, then the
// longest prefix.
type Route struct {
	Provider  event.Provider
	EventType string
	Family    Family
	Handler   HandlerFunc
	// Critical, when set, is the latency-sensitive part of Handler that the
	// endpoint runs synchronously. Handler must still perform it: the queued
	// path is the one that is guaranteed to run.
	Critical HandlerFunc
	// BestEffort routes log handler errors and report OutcomeDropped
	// instead of retrying.
	BestEffort bool
}

type routeKey struct {
	provider  event.Provider
	eventType string
}

type Dispatcher struct {
	mu       sync.RWMutex
	exact    map[routeKey]Route
	prefixes map[event.Provider][]Route
	sink     collab.EventSink
	logger   *log.Logger
}

// New returns an empty dispatcher. sink may be nil.
func New(sink collab.EventSink, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		exact:    make(map[routeKey]Route),
		prefixes: make(map[event.Provider][]Route),
		sink:     sink,
		logger:   logger.Named("dispatch"),
	}
}

// Register adds r, replacing any route with the same provider and event type.
func (d *Dispatcher) Register(r Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.HasSuffix(r.EventType, "*") {
		routes := d.prefixes[r.Provider]
		for i, existing := range routes {
			if existing.EventType == r.EventType {
				routes = append(routes[:i], routes[i+1:]...)
				break
			}
		}
		d.prefixes[r.Provider] = append(routes, r)
		return
	}
	d.exact[routeKey{r.Provider, r.EventType}] = r
}

func (d *Dispatcher) Lookup(p event.Provider, eventType string) (Route, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.exact[routeKey{p, eventType}]; ok {
		return r, true
	}
	var (
		best    Route
		bestLen = -1
	)
	for _, r := range d.prefixes[p] {
		prefix := strings.TrimSuffix(r.EventType, "*")
		if strings.HasPrefix(eventType, prefix) && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	return best, bestLen >= 0
}

func (d *Dispatcher) Routable(p event.Provider, eventType string) bool {
	_, ok := d.Lookup(p, eventType)
	return ok
}

// Dispatch runs the handler for ev. Unknown event types are not errors: they
// are logged and reported as OutcomeIgnored. A returned error means the
// attempt failed and should be retried unless IsPermanent(err).
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.InboundEvent) (event.Outcome, error) {
	fields := []zap.Field{
		zap.String("provider", string(ev.Provider)),
		zap.String("event_type", ev.EventType),
		zap.String("external_event_id", ev.ExternalEventID),
	}
	r, ok := d.Lookup(ev.Provider, ev.EventType)
	if !ok {
		d.logger.Info("No route for event, ignoring", fields...)
		return event.OutcomeIgnored, nil
	}
	if err := r.Handler(ctx, ev); err != nil {
		if r.BestEffort {
			d.logger.Warn("Best-effort handler failed, dropping", append(fields, zap.Error(err))...)
			return event.OutcomeDropped, nil
		}
		return event.OutcomeFailed, err
	}
	d.publish(ctx, ev, fields)
	return event.OutcomeSucceeded, nil
}

// DispatchCritical runs only the critical step of ev's route. It reports
// false when the route has none.
func (d *Dispatcher) DispatchCritical(ctx context.Context, ev *event.InboundEvent) (bool, error) {
	r, ok := d.Lookup(ev.Provider, ev.EventType)
	if !ok || r.Critical == nil {
		return false, nil
	}
	return true, r.Critical(ctx, ev)
}

func (d *Dispatcher) publish(ctx context.Context, ev *event.InboundEvent, fields []zap.Field) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Publish(ctx, ev); err != nil {
		d.logger.Warn("Failed to publish processed event", append(fields, zap.Error(err))...)
	}
}
