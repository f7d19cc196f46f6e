// Package collabtest provides in-memory collaborators for tests.
package collabtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/DevoteMe/webhookd/internal/collab"
	"github.com/DevoteMe/webhookd/internal/event"
)

// State is a comparable snapshot of everything the fake platform holds.
type State struct {
	Subscriptions  map[string]string
	Payments       map[string]collab.PaymentRecord
	FailedPayments map[string]collab.PaymentRecord
	Gifts          map[string]bool
	Notifications  []collab.Notification
	Marketing      map[string]collab.MarketingStatus
	Billing        map[string]collab.BillingContact
	Deliveries     map[string]collab.DeliveryStatus
	Media          map[string]collab.MediaStatus
	Published      []string
}

// Platform implements every collaborator interface idempotently, the way
// the real services are required to behave.
type Platform struct {
	mu    sync.Mutex
	state State
	calls int
	seen  map[string]bool

	// FailNext makes the next n calls fail with Err (or a transient error).
	FailNext int
	// Err, when set, is returned by every call.
	Err error
}

func NewPlatform() *Platform {
	return &Platform{
		state: State{
			Subscriptions:  map[string]string{},
			Payments:       map[string]collab.PaymentRecord{},
			FailedPayments: map[string]collab.PaymentRecord{},
			Gifts:          map[string]bool{},
			Marketing:      map[string]collab.MarketingStatus{},
			Billing:        map[string]collab.BillingContact{},
			Deliveries:     map[string]collab.DeliveryStatus{},
			Media:          map[string]collab.MediaStatus{},
		},
		seen: map[string]bool{},
	}
}

func (p *Platform) AddPendingSubscription(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Subscriptions[id] = "pending"
}

func (p *Platform) AddPendingGift(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Gifts[id] = false
}

func (p *Platform) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// State returns a deep copy of the current state.
func (p *Platform) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Subscriptions = clone(p.state.Subscriptions)
	s.Payments = clone(p.state.Payments)
	s.FailedPayments = clone(p.state.FailedPayments)
	s.Gifts = clone(p.state.Gifts)
	s.Notifications = append([]collab.Notification(nil), p.state.Notifications...)
	s.Marketing = clone(p.state.Marketing)
	s.Billing = clone(p.state.Billing)
	s.Deliveries = clone(p.state.Deliveries)
	s.Media = clone(p.state.Media)
	s.Published = append([]string(nil), p.state.Published...)
	return s
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// enter counts the call and returns the injected failure, if any. Callers
// hold p.mu.
func (p *Platform) enter() error {
	p.calls++
	if p.Err != nil {
		return p.Err
	}
	if p.FailNext > 0 {
		p.FailNext--
		return fmt.Errorf("platform unavailable")
	}
	return nil
}

func (p *Platform) Activate(_ context.Context, req collab.ActivateSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	if _, ok := p.state.Subscriptions[req.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %s: %w", req.SubscriptionID, collab.ErrNotFound)
	}
	p.state.Subscriptions[req.SubscriptionID] = "active"
	return nil
}

func (p *Platform) Cancel(_ context.Context, req collab.CancelSubscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	if _, ok := p.state.Subscriptions[req.SubscriptionID]; !ok {
		return fmt.Errorf("subscription %s: %w", req.SubscriptionID, collab.ErrNotFound)
	}
	p.state.Subscriptions[req.SubscriptionID] = "cancelled"
	return nil
}

func (p *Platform) RecordSuccess(_ context.Context, rec collab.PaymentRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.Payments[rec.Provider+":"+rec.ExternalPaymentID] = rec
	return nil
}

func (p *Platform) RecordFailure(_ context.Context, rec collab.PaymentRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.FailedPayments[rec.Provider+":"+rec.ExternalPaymentID] = rec
	return nil
}

func (p *Platform) Complete(_ context.Context, giftID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	if _, ok := p.state.Gifts[giftID]; !ok {
		return fmt.Errorf("gift %s: %w", giftID, collab.ErrNotFound)
	}
	p.state.Gifts[giftID] = true
	return nil
}

// Dispatch drops notifications whose dedup key was already seen.
func (p *Platform) Dispatch(_ context.Context, n collab.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	if p.seen[n.DedupKey] {
		return nil
	}
	p.seen[n.DedupKey] = true
	p.state.Notifications = append(p.state.Notifications, n)
	return nil
}

func (p *Platform) SyncMarketingStatus(_ context.Context, s collab.MarketingStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.Marketing[s.Email] = s
	return nil
}

func (p *Platform) UpdateBillingContact(_ context.Context, c collab.BillingContact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.Billing[c.Provider+":"+c.CustomerID] = c
	return nil
}

func (p *Platform) UpdateDeliveryStatus(_ context.Context, s collab.DeliveryStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.Deliveries[s.MessageID] = s
	return nil
}

func (p *Platform) UpdateStatus(_ context.Context, s collab.MediaStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(); err != nil {
		return err
	}
	p.state.Media[s.AssetID] = s
	return nil
}

// Publish implements collab.EventSink. It does not count as a call and
// never fails.
func (p *Platform) Publish(_ context.Context, ev *event.InboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Published = append(p.state.Published, ev.Key())
	return nil
}
