package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/DevoteMe/webhookd/internal/event"
)

const stripeSignatureHeader = "Stripe-Signature"

// Stripe handles the payment-primary provider.
type Stripe struct {
	secret    string
	tolerance time.Duration
}

func NewStripe(secret string, tolerance time.Duration) *Stripe {
	return &Stripe{secret: secret, tolerance: tolerance}
}

func (s *Stripe) Provider() event.Provider { return event.PaymentPrimary }

func (s *Stripe) Verify(req *Request) error {
	header := req.Header.Get(stripeSignatureHeader)
	if header == "" {
		return ErrMissingSignature
	}
	err := webhook.ValidatePayloadWithTolerance(req.Body, header, s.secret, s.tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return ErrTimestampExpired
	case errors.Is(err, webhook.ErrNotSigned):
		return ErrMissingSignature
	case errors.Is(err, webhook.ErrInvalidHeader):
		return ErrInvalidTimestamp
	default:
		return ErrInvalidSignature
	}
}

func (s *Stripe) Parse(req *Request) (*event.InboundEvent, error) {
	var se stripe.Event
	if err := json.Unmarshal(req.Body, &se); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev := &event.InboundEvent{
		ExternalEventID: se.ID,
		EventType:       string(se.Type),
		Metadata:        event.Metadata{},
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return ev, nil
	}

	m := ev.Metadata
	object, _ := se.Data.Object["object"].(string)
	switch object {
	case "checkout.session":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		copyMetadata(m, cs.Metadata)
		// Key the session on the same id its follow-up events carry: the
		// first invoice in subscription mode, the payment intent otherwise.
		m.Set(event.MetaPaymentID, cs.ID)
		switch {
		case cs.Mode == stripe.CheckoutSessionModeSubscription && cs.Invoice != nil:
			m.Set(event.MetaPaymentID, cs.Invoice.ID)
		case cs.PaymentIntent != nil:
			m.Set(event.MetaPaymentID, cs.PaymentIntent.ID)
		}
		if cs.Subscription != nil && m.Get(event.MetaSubscriptionID) == "" {
			m.Set(event.MetaSubscriptionID, cs.Subscription.ID)
		}
		if cs.Customer != nil {
			m.Set(event.MetaCustomerID, cs.Customer.ID)
		}
		if m.Get(event.MetaUserID) == "" {
			m.Set(event.MetaUserID, cs.ClientReferenceID)
		}
		if cs.CustomerDetails != nil {
			m.Set(event.MetaEmail, cs.CustomerDetails.Email)
		}
		setAmount(m, cs.AmountTotal, string(cs.Currency))
	case "payment_intent":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		copyMetadata(m, pi.Metadata)
		m.Set(event.MetaPaymentID, pi.ID)
		if pi.Customer != nil {
			m.Set(event.MetaCustomerID, pi.Customer.ID)
		}
		setAmount(m, pi.Amount, string(pi.Currency))
		if pi.LastPaymentError != nil {
			m.Set(event.MetaErrorCode, string(pi.LastPaymentError.Code))
			m.Set(event.MetaReason, pi.LastPaymentError.Msg)
		}
	case "invoice":
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		copyMetadata(m, inv.Metadata)
		if inv.SubscriptionDetails != nil {
			copyMetadata(m, inv.SubscriptionDetails.Metadata)
		}
		m.Set(event.MetaPaymentID, inv.ID)
		if inv.Subscription != nil && m.Get(event.MetaSubscriptionID) == "" {
			m.Set(event.MetaSubscriptionID, inv.Subscription.ID)
		}
		if inv.Customer != nil {
			m.Set(event.MetaCustomerID, inv.Customer.ID)
		}
		m.Set(event.MetaEmail, inv.CustomerEmail)
		if m.Get(event.MetaPurpose) == "" {
			m.Set(event.MetaPurpose, event.PurposeSubscription)
		}
		setAmount(m, inv.AmountPaid, string(inv.Currency))
	case "subscription":
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		copyMetadata(m, sub.Metadata)
		if m.Get(event.MetaSubscriptionID) == "" {
			m.Set(event.MetaSubscriptionID, sub.ID)
		}
		if sub.Customer != nil {
			m.Set(event.MetaCustomerID, sub.Customer.ID)
		}
		m.Set(event.MetaStatus, string(sub.Status))
	case "customer":
		var c stripe.Customer
		if err := json.Unmarshal(se.Data.Raw, &c); err != nil {
			return nil, fmt.Errorf("decode customer: %w", err)
		}
		copyMetadata(m, c.Metadata)
		m.Set(event.MetaCustomerID, c.ID)
		m.Set(event.MetaEmail, c.Email)
	}
	return ev, nil
}

// copyMetadata lifts the platform keys we put into provider metadata at
// checkout time. Unknown keys are ignored.
func copyMetadata(dst event.Metadata, src map[string]string) {
	for _, k := range []string{
		event.MetaUserID, event.MetaCreatorID, event.MetaSubscriptionID,
		event.MetaGiftID, event.MetaPurpose,
	} {
		dst.Set(k, strings.TrimSpace(src[k]))
	}
}

func setAmount(m event.Metadata, minor int64, currency string) {
	if minor > 0 {
		m.Set(event.MetaAmount, fmt.Sprintf("%d", minor))
	}
	m.Set(event.MetaCurrency, strings.ToUpper(currency))
}
