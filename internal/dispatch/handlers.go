package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DevoteMe/webhookd/internal/collab"
	"github.com/DevoteMe/webhookd/internal/event"
)

// Notification templates.
const (
	TemplateSubscriptionActivated = "subscription_activated"
	TemplateSubscriptionCancelled = "subscription_cancelled"
	TemplateGiftCompleted         = "gift_completed"
	TemplatePaymentReceived       = "payment_received"
	TemplatePaymentFailed         = "payment_failed"
	TemplateMediaReady            = "media_ready"
)

var errMissingField = errors.New("required metadata field missing")

func missing(field string) error {
	return Permanent(fmt.Errorf("%w: %s", errMissingField, field))
}

// Handlers implements the side effects of every handler family on top of the
// collaborator contracts. All methods are idempotent for the same event.
type Handlers struct {
	Subscriptions collab.Subscriptions
	Payments      collab.Payments
	Gifts         collab.Gifts
	Notifications collab.Notifications
	Profiles      collab.Profiles
	Messages      collab.Messages
	Media         collab.Media
}

// paymentRef is the provider's id for the money movement. Several events can
// describe one payment; keying ledger writes and notifications on it collapses
// them.
func paymentRef(ev *event.InboundEvent) string {
	if id := ev.Metadata.Get(event.MetaPaymentID); id != "" {
		return id
	}
	return ev.ExternalEventID
}

func purpose(ev *event.InboundEvent) string {
	if p := ev.Metadata.Get(event.MetaPurpose); p != "" {
		return p
	}
	switch {
	case ev.Metadata.Get(event.MetaGiftID) != "":
		return event.PurposeGift
	case ev.Metadata.Get(event.MetaSubscriptionID) != "":
		return event.PurposeSubscription
	}
	return ""
}

func (h *Handlers) notify(ctx context.Context, ev *event.InboundEvent, userID, template string, data map[string]string) error {
	if userID == "" || h.Notifications == nil {
		return nil
	}
	return h.Notifications.Dispatch(ctx, collab.Notification{
		DedupKey: string(ev.Provider) + ":" + paymentRefOrEvent(ev, template) + ":" + template,
		UserID:   userID,
		Template: template,
		Data:     data,
	})
}

func paymentRefOrEvent(ev *event.InboundEvent, template string) string {
	switch template {
	case TemplateSubscriptionActivated, TemplateGiftCompleted, TemplatePaymentReceived, TemplatePaymentFailed:
		return paymentRef(ev)
	}
	return ev.ExternalEventID
}

// Unlock grants what a successful payment paid for: it activates the
// subscription or completes the gift. It is the only step run on the
// critical path.
func (h *Handlers) Unlock(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	switch purpose(ev) {
	case event.PurposeGift:
		giftID := m.Get(event.MetaGiftID)
		if giftID == "" {
			return missing(event.MetaGiftID)
		}
		return h.Gifts.Complete(ctx, giftID, paymentRef(ev))
	case event.PurposeSubscription:
		subID := m.Get(event.MetaSubscriptionID)
		if subID == "" {
			return missing(event.MetaSubscriptionID)
		}
		return h.Subscriptions.Activate(ctx, collab.ActivateSubscription{
			SubscriptionID: subID,
			UserID:         m.Get(event.MetaUserID),
			CreatorID:      m.Get(event.MetaCreatorID),
			Provider:       string(ev.Provider),
			ExternalRef:    paymentRef(ev),
		})
	}
	return nil
}

// PaymentSucceeded records the payment in the ledger, unlocks what it paid
// for and notifies the payer.
func (h *Handlers) PaymentSucceeded(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	amount, _ := m.Int64(event.MetaAmount)
	err := h.Payments.RecordSuccess(ctx, collab.PaymentRecord{
		Provider:          string(ev.Provider),
		ExternalPaymentID: paymentRef(ev),
		Amount:            amount,
		Currency:          m.Get(event.MetaCurrency),
		UserID:            m.Get(event.MetaUserID),
		CreatorID:         m.Get(event.MetaCreatorID),
		SubscriptionID:    m.Get(event.MetaSubscriptionID),
		GiftID:            m.Get(event.MetaGiftID),
		Purpose:           purpose(ev),
	})
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if err := h.Unlock(ctx, ev); err != nil {
		return fmt.Errorf("unlock: %w", err)
	}

	template := TemplatePaymentReceived
	switch purpose(ev) {
	case event.PurposeSubscription:
		template = TemplateSubscriptionActivated
	case event.PurposeGift:
		template = TemplateGiftCompleted
	}
	data := map[string]string{
		"creator_id": m.Get(event.MetaCreatorID),
		"amount":     m.Get(event.MetaAmount),
		"currency":   m.Get(event.MetaCurrency),
	}
	if err := h.notify(ctx, ev, m.Get(event.MetaUserID), template, data); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func (h *Handlers) PaymentFailed(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	amount, _ := m.Int64(event.MetaAmount)
	reason := m.Get(event.MetaReason)
	if reason == "" {
		reason = m.Get(event.MetaErrorCode)
	}
	err := h.Payments.RecordFailure(ctx, collab.PaymentRecord{
		Provider:          string(ev.Provider),
		ExternalPaymentID: paymentRef(ev),
		Amount:            amount,
		Currency:          m.Get(event.MetaCurrency),
		UserID:            m.Get(event.MetaUserID),
		CreatorID:         m.Get(event.MetaCreatorID),
		SubscriptionID:    m.Get(event.MetaSubscriptionID),
		GiftID:            m.Get(event.MetaGiftID),
		Purpose:           purpose(ev),
		Reason:            reason,
	})
	if err != nil {
		return fmt.Errorf("record payment failure: %w", err)
	}
	return h.notify(ctx, ev, m.Get(event.MetaUserID), TemplatePaymentFailed, map[string]string{"reason": reason})
}

// SubscriptionActivated handles providers that announce activation
// separately from the payment.
func (h *Handlers) SubscriptionActivated(ctx context.Context, ev *event.InboundEvent) error {
	if ev.Metadata.Get(event.MetaSubscriptionID) == "" {
		return missing(event.MetaSubscriptionID)
	}
	if err := h.Unlock(ctx, ev); err != nil {
		return err
	}
	return h.notify(ctx, ev, ev.Metadata.Get(event.MetaUserID), TemplateSubscriptionActivated,
		map[string]string{"creator_id": ev.Metadata.Get(event.MetaCreatorID)})
}

func (h *Handlers) SubscriptionEnded(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	subID := m.Get(event.MetaSubscriptionID)
	if subID == "" {
		return missing(event.MetaSubscriptionID)
	}
	reason := m.Get(event.MetaReason)
	if reason == "" {
		reason = strings.ToLower(ev.EventType)
	}
	err := h.Subscriptions.Cancel(ctx, collab.CancelSubscription{
		SubscriptionID: subID,
		Provider:       string(ev.Provider),
		ExternalRef:    ev.ExternalEventID,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return h.notify(ctx, ev, m.Get(event.MetaUserID), TemplateSubscriptionCancelled,
		map[string]string{"creator_id": m.Get(event.MetaCreatorID)})
}

func (h *Handlers) BillingContactUpdated(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	customerID := m.Get(event.MetaCustomerID)
	if customerID == "" {
		return missing(event.MetaCustomerID)
	}
	return h.Profiles.UpdateBillingContact(ctx, collab.BillingContact{
		Provider:   string(ev.Provider),
		CustomerID: customerID,
		UserID:     m.Get(event.MetaUserID),
		Email:      m.Get(event.MetaEmail),
	})
}

var marketingStatuses = map[string]string{
	"subscribe":   "subscribed",
	"unsubscribe": "unsubscribed",
	"cleaned":     "cleaned",
	"profile":     "profile_updated",
	"upemail":     "email_changed",
}

func (h *Handlers) MarketingStatusChanged(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	email := m.Get(event.MetaEmail)
	if email == "" {
		return missing(event.MetaEmail)
	}
	status, ok := marketingStatuses[ev.EventType]
	if !ok {
		status = ev.EventType
	}
	return h.Profiles.SyncMarketingStatus(ctx, collab.MarketingStatus{
		UserID:   m.Get(event.MetaUserID),
		Email:    email,
		NewEmail: m.Get(event.MetaNewEmail),
		ListID:   m.Get(event.MetaListID),
		Status:   status,
		Reason:   m.Get(event.MetaReason),
	})
}

func (h *Handlers) DeliveryStatusChanged(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	msgID := m.Get(event.MetaMessageID)
	if msgID == "" {
		return missing(event.MetaMessageID)
	}
	return h.Messages.UpdateDeliveryStatus(ctx, collab.DeliveryStatus{
		MessageID: msgID,
		Channel:   m.Get(event.MetaChannel),
		Status:    m.Get(event.MetaStatus),
		ErrorCode: m.Get(event.MetaErrorCode),
	})
}

func (h *Handlers) MediaStatusChanged(ctx context.Context, ev *event.InboundEvent) error {
	m := ev.Metadata
	assetID := m.Get(event.MetaAssetID)
	if assetID == "" {
		return missing(event.MetaAssetID)
	}
	status := m.Get(event.MetaStatus)
	if status == "" {
		status = ev.EventType[strings.LastIndex(ev.EventType, ".")+1:]
	}
	err := h.Media.UpdateStatus(ctx, collab.MediaStatus{
		MediaID:    m.Get(event.MetaMediaID),
		AssetID:    assetID,
		PlaybackID: m.Get(event.MetaPlaybackID),
		Status:     status,
		Reason:     m.Get(event.MetaReason),
	})
	if err != nil {
		return fmt.Errorf("update media: %w", err)
	}
	if ev.EventType == "video.asset.ready" {
		return h.notify(ctx, ev, m.Get(event.MetaCreatorID), TemplateMediaReady,
			map[string]string{"media_id": m.Get(event.MetaMediaID)})
	}
	return nil
}
