package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevoteMe/webhookd/internal/collab"
	"github.com/DevoteMe/webhookd/internal/collab/collabtest"
	"github.com/DevoteMe/webhookd/internal/event"
	"github.com/DevoteMe/webhookd/internal/log"
	"github.com/DevoteMe/webhookd/internal/provider"
)

func newHandlers(p *collabtest.Platform) *Handlers {
	return &Handlers{
		Subscriptions: p,
		Payments:      p,
		Gifts:         p,
		Notifications: p,
		Profiles:      p,
		Messages:      p,
		Media:         p,
	}
}

func newDispatcher(p *collabtest.Platform) *Dispatcher {
	d := New(p, log.NewNop())
	RegisterDefaultRoutes(d, newHandlers(p))
	return d
}

func paymentEvent(externalID string, meta event.Metadata) *event.InboundEvent {
	return &event.InboundEvent{
		Provider:        event.PaymentPrimary,
		ExternalEventID: externalID,
		EventType:       "checkout.session.completed",
		Metadata:        meta,
	}
}

func TestLookup(t *testing.T) {
	d := newDispatcher(collabtest.NewPlatform())

	r, ok := d.Lookup(event.PaymentPrimary, "invoice.paid")
	require.True(t, ok)
	assert.Equal(t, FamilySubscription, r.Family)
	assert.NotNil(t, r.Critical)

	r, ok = d.Lookup(event.SMSVoice, "message.undelivered")
	require.True(t, ok)
	assert.True(t, r.BestEffort)
	assert.Equal(t, FamilyDelivery, r.Family)

	assert.True(t, d.Routable(event.MediaPipeline, "video.asset.ready"))
	assert.False(t, d.Routable(event.PaymentPrimary, "charge.refunded"))
	assert.False(t, d.Routable(event.EmailMarketing, "campaign"))
}

func TestLookupPrefersLongestPrefix(t *testing.T) {
	d := New(nil, log.NewNop())
	d.Register(Route{Provider: event.MediaPipeline, EventType: "video.*", Family: FamilyMedia})
	d.Register(Route{Provider: event.MediaPipeline, EventType: "video.asset.*", Family: FamilySubscription})
	d.Register(Route{Provider: event.MediaPipeline, EventType: "video.asset.ready", Family: FamilyPayment})

	r, _ := d.Lookup(event.MediaPipeline, "video.asset.ready")
	assert.Equal(t, FamilyPayment, r.Family)
	r, _ = d.Lookup(event.MediaPipeline, "video.asset.errored")
	assert.Equal(t, FamilySubscription, r.Family)
	r, _ = d.Lookup(event.MediaPipeline, "video.live_stream.active")
	assert.Equal(t, FamilyMedia, r.Family)
}

func TestDispatchUnknownIsIgnored(t *testing.T) {
	p := collabtest.NewPlatform()
	d := newDispatcher(p)

	outcome, err := d.Dispatch(context.Background(), &event.InboundEvent{
		Provider:  event.PaymentPrimary,
		EventType: "radar.early_fraud_warning.created",
	})
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeIgnored, outcome)
	assert.Zero(t, p.Calls())
}

func TestDispatchPaymentActivatesSubscription(t *testing.T) {
	p := collabtest.NewPlatform()
	p.AddPendingSubscription("sub-1")
	d := newDispatcher(p)

	ev := paymentEvent("evt_1", event.Metadata{
		event.MetaSubscriptionID: "sub-1",
		event.MetaUserID:         "u-1",
		event.MetaPaymentID:      "pi_1",
		event.MetaAmount:         "500",
		event.MetaCurrency:       "USD",
		event.MetaPurpose:        event.PurposeSubscription,
	})
	outcome, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeSucceeded, outcome)

	st := p.State()
	assert.Equal(t, "active", st.Subscriptions["sub-1"])
	assert.Equal(t, int64(500), st.Payments["payment-primary:pi_1"].Amount)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, TemplateSubscriptionActivated, st.Notifications[0].Template)
	assert.Equal(t, "payment-primary:pi_1:subscription_activated", st.Notifications[0].DedupKey)
	assert.Equal(t, []string{"payment-primary:evt_1"}, st.Published)
}

func TestHandlersAreIdempotent(t *testing.T) {
	events := map[string]struct {
		handler func(h *Handlers) HandlerFunc
		ev      *event.InboundEvent
	}{
		"subscription payment": {
			handler: func(h *Handlers) HandlerFunc { return h.PaymentSucceeded },
			ev: paymentEvent("evt_1", event.Metadata{
				event.MetaSubscriptionID: "sub-1", event.MetaUserID: "u-1", event.MetaPaymentID: "pi_1",
			}),
		},
		"gift payment": {
			handler: func(h *Handlers) HandlerFunc { return h.PaymentSucceeded },
			ev: paymentEvent("evt_2", event.Metadata{
				event.MetaGiftID: "gift-1", event.MetaUserID: "u-2", event.MetaPurpose: event.PurposeGift,
			}),
		},
		"payment failed": {
			handler: func(h *Handlers) HandlerFunc { return h.PaymentFailed },
			ev:      paymentEvent("evt_3", event.Metadata{event.MetaPaymentID: "pi_3", event.MetaUserID: "u-1"}),
		},
		"subscription cancelled": {
			handler: func(h *Handlers) HandlerFunc { return h.SubscriptionEnded },
			ev:      paymentEvent("evt_4", event.Metadata{event.MetaSubscriptionID: "sub-1", event.MetaUserID: "u-1"}),
		},
		"marketing": {
			handler: func(h *Handlers) HandlerFunc { return h.MarketingStatusChanged },
			ev: &event.InboundEvent{Provider: event.EmailMarketing, ExternalEventID: "derived-1", EventType: "unsubscribe",
				Metadata: event.Metadata{event.MetaEmail: "a@b.c"}},
		},
		"delivery": {
			handler: func(h *Handlers) HandlerFunc { return h.DeliveryStatusChanged },
			ev: &event.InboundEvent{Provider: event.SMSVoice, ExternalEventID: "tok", EventType: "message.delivered",
				Metadata: event.Metadata{event.MetaMessageID: "SM1", event.MetaStatus: "delivered"}},
		},
		"media": {
			handler: func(h *Handlers) HandlerFunc { return h.MediaStatusChanged },
			ev: &event.InboundEvent{Provider: event.MediaPipeline, ExternalEventID: "m1", EventType: "video.asset.ready",
				Metadata: event.Metadata{event.MetaAssetID: "a1", event.MetaCreatorID: "c1"}},
		},
		"billing contact": {
			handler: func(h *Handlers) HandlerFunc { return h.BillingContactUpdated },
			ev: &event.InboundEvent{Provider: event.PaymentPrimary, ExternalEventID: "evt_5", EventType: "customer.updated",
				Metadata: event.Metadata{event.MetaCustomerID: "cus_1", event.MetaEmail: "x@y.z"}},
		},
	}

	for name, tc := range events {
		t.Run(name, func(t *testing.T) {
			once := collabtest.NewPlatform()
			twice := collabtest.NewPlatform()
			for _, p := range []*collabtest.Platform{once, twice} {
				p.AddPendingSubscription("sub-1")
				p.AddPendingGift("gift-1")
			}

			require.NoError(t, tc.handler(newHandlers(once))(context.Background(), tc.ev))
			h := newHandlers(twice)
			require.NoError(t, tc.handler(h)(context.Background(), tc.ev))
			require.NoError(t, tc.handler(h)(context.Background(), tc.ev))

			assert.Equal(t, once.State(), twice.State())
		})
	}
}

func TestCriticalAndQueuedPathsNotifyOnce(t *testing.T) {
	p := collabtest.NewPlatform()
	p.AddPendingSubscription("sub-1")
	d := newDispatcher(p)
	ev := paymentEvent("evt_1", event.Metadata{event.MetaSubscriptionID: "sub-1", event.MetaUserID: "u-1"})

	ran, err := d.DispatchCritical(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "active", p.State().Subscriptions["sub-1"])
	assert.Empty(t, p.State().Notifications, "critical path only unlocks")

	_, err = d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, p.State().Notifications, 1)
}

func TestDispatchCriticalWithoutCriticalStep(t *testing.T) {
	d := newDispatcher(collabtest.NewPlatform())
	ran, err := d.DispatchCritical(context.Background(), &event.InboundEvent{
		Provider: event.EmailMarketing, EventType: "subscribe",
	})
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestDispatchErrors(t *testing.T) {
	t.Run("transient error is returned", func(t *testing.T) {
		p := collabtest.NewPlatform()
		p.AddPendingSubscription("sub-1")
		p.FailNext = 1
		d := newDispatcher(p)

		outcome, err := d.Dispatch(context.Background(), paymentEvent("evt_1", event.Metadata{event.MetaSubscriptionID: "sub-1"}))
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
		assert.Equal(t, event.OutcomeFailed, outcome)
	})

	t.Run("missing resource is permanent", func(t *testing.T) {
		d := newDispatcher(collabtest.NewPlatform())
		_, err := d.Dispatch(context.Background(), paymentEvent("evt_1", event.Metadata{event.MetaSubscriptionID: "gone"}))
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
		assert.ErrorIs(t, err, collab.ErrNotFound)
	})

	t.Run("missing required metadata is permanent", func(t *testing.T) {
		d := newDispatcher(collabtest.NewPlatform())
		_, err := d.Dispatch(context.Background(), &event.InboundEvent{
			Provider: event.EmailMarketing, EventType: "subscribe", Metadata: event.Metadata{},
		})
		assert.True(t, IsPermanent(err))
	})

	t.Run("best effort failure is dropped", func(t *testing.T) {
		p := collabtest.NewPlatform()
		p.Err = errors.New("down")
		d := newDispatcher(p)
		outcome, err := d.Dispatch(context.Background(), &event.InboundEvent{
			Provider: event.SMSVoice, EventType: "message.failed",
			Metadata: event.Metadata{event.MetaMessageID: "SM1"},
		})
		require.NoError(t, err)
		assert.Equal(t, event.OutcomeDropped, outcome)
	})
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad")
	err := fmt.Errorf("wrapped: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(fmt.Errorf("x: %w", collab.ErrRejected)))
}

const (
	subscriptionCheckout = `{
  "id": "evt_cs", "object": "event", "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_1", "object": "checkout.session", "mode": "subscription",
    "amount_total": 1500, "currency": "usd", "client_reference_id": "u-1",
    "payment_intent": null, "invoice": "in_1", "subscription": "sub_s1",
    "metadata": {"purpose": "subscription", "subscription_id": "sub-1"}
  }}
}`
	subscriptionInvoicePaid = `{
  "id": "evt_in", "object": "event", "type": "invoice.paid",
  "data": {"object": {
    "id": "in_1", "object": "invoice", "amount_paid": 1500, "currency": "usd",
    "subscription": "sub_s1",
    "subscription_details": {"metadata": {"purpose": "subscription", "subscription_id": "sub-1", "user_id": "u-1"}}
  }}
}`
)

func TestSubscriptionPurchaseIsRecordedOnce(t *testing.T) {
	p := collabtest.NewPlatform()
	p.AddPendingSubscription("sub-1")
	d := newDispatcher(p)
	stripe := provider.NewStripe("whsec_test", 0)

	for _, body := range []string{subscriptionCheckout, subscriptionInvoicePaid} {
		ev, err := stripe.Parse(&provider.Request{Body: []byte(body)})
		require.NoError(t, err)
		ev.Provider = event.PaymentPrimary

		outcome, err := d.Dispatch(context.Background(), ev)
		require.NoError(t, err)
		assert.Equal(t, event.OutcomeSucceeded, outcome)
	}

	st := p.State()
	assert.Equal(t, "active", st.Subscriptions["sub-1"])
	require.Len(t, st.Payments, 1)
	assert.Equal(t, int64(1500), st.Payments["payment-primary:in_1"].Amount)
	require.Len(t, st.Notifications, 1)
	assert.Equal(t, "payment-primary:in_1:subscription_activated", st.Notifications[0].DedupKey)
}
