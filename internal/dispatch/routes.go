package dispatch

import "github.com/DevoteMe/webhookd/internal/event"

// RegisterDefaultRoutes binds each provider's event vocabulary to a handler
// family.
func RegisterDefaultRoutes(d *Dispatcher, h *Handlers) {
	paid := func(p event.Provider, eventType string, f Family) Route {
		return Route{Provider: p, EventType: eventType, Family: f, Handler: h.PaymentSucceeded, Critical: h.Unlock}
	}
	route := func(p event.Provider, eventType string, f Family, fn HandlerFunc) Route {
		return Route{Provider: p, EventType: eventType, Family: f, Handler: fn}
	}

	routes := []Route{
		paid(event.PaymentPrimary, "checkout.session.completed", FamilyPayment),
		paid(event.PaymentPrimary, "checkout.session.async_payment_succeeded", FamilyPayment),
		paid(event.PaymentPrimary, "payment_intent.succeeded", FamilyPayment),
		paid(event.PaymentPrimary, "invoice.paid", FamilySubscription),
		paid(event.PaymentPrimary, "invoice.payment_succeeded", FamilySubscription),
		route(event.PaymentPrimary, "checkout.session.async_payment_failed", FamilyPayment, h.PaymentFailed),
		route(event.PaymentPrimary, "payment_intent.payment_failed", FamilyPayment, h.PaymentFailed),
		route(event.PaymentPrimary, "invoice.payment_failed", FamilySubscription, h.PaymentFailed),
		route(event.PaymentPrimary, "customer.subscription.deleted", FamilySubscription, h.SubscriptionEnded),
		route(event.PaymentPrimary, "customer.updated", FamilyProfile, h.BillingContactUpdated),

		paid(event.PaymentSecondary, "PAYMENT.CAPTURE.COMPLETED", FamilyPayment),
		paid(event.PaymentSecondary, "PAYMENT.SALE.COMPLETED", FamilySubscription),
		route(event.PaymentSecondary, "PAYMENT.CAPTURE.DENIED", FamilyPayment, h.PaymentFailed),
		route(event.PaymentSecondary, "BILLING.SUBSCRIPTION.PAYMENT.FAILED", FamilySubscription, h.PaymentFailed),
		{
			Provider:  event.PaymentSecondary,
			EventType: "BILLING.SUBSCRIPTION.ACTIVATED",
			Family:    FamilySubscription,
			Handler:   h.SubscriptionActivated,
			Critical:  h.Unlock,
		},
		route(event.PaymentSecondary, "BILLING.SUBSCRIPTION.CANCELLED", FamilySubscription, h.SubscriptionEnded),
		route(event.PaymentSecondary, "BILLING.SUBSCRIPTION.EXPIRED", FamilySubscription, h.SubscriptionEnded),
		route(event.PaymentSecondary, "BILLING.SUBSCRIPTION.SUSPENDED", FamilySubscription, h.SubscriptionEnded),

		route(event.EmailMarketing, "subscribe", FamilyProfile, h.MarketingStatusChanged),
		route(event.EmailMarketing, "unsubscribe", FamilyProfile, h.MarketingStatusChanged),
		route(event.EmailMarketing, "profile", FamilyProfile, h.MarketingStatusChanged),
		route(event.EmailMarketing, "upemail", FamilyProfile, h.MarketingStatusChanged),
		route(event.EmailMarketing, "cleaned", FamilyProfile, h.MarketingStatusChanged),

		{Provider: event.SMSVoice, EventType: "message.*", Family: FamilyDelivery, Handler: h.DeliveryStatusChanged, BestEffort: true},
		{Provider: event.SMSVoice, EventType: "call.*", Family: FamilyDelivery, Handler: h.DeliveryStatusChanged, BestEffort: true},

		route(event.MediaPipeline, "video.asset.*", FamilyMedia, h.MediaStatusChanged),
		route(event.MediaPipeline, "video.upload.*", FamilyMedia, h.MediaStatusChanged),
	}
	for _, r := range routes {
		d.Register(r)
	}
}
