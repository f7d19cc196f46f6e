// Package collab defines the downstream operations webhook handlers invoke
// and their implementations against the platform API, RabbitMQ and Kafka.
//
// Every operation must be idempotent for the same external reference:
// repeating a call after a partial failure must leave the same end state.
package collab

import (
	"context"
	"errors"

	"github.com/DevoteMe/webhookd/internal/event"
)

var (
	// ErrNotFound means the referenced resource does not exist. Retrying
	// will not help.
	ErrNotFound = errors.New("collaborator: resource not found")
	// ErrRejected means the collaborator refused the request as invalid.
	ErrRejected = errors.New("collaborator: request rejected")
)

type ActivateSubscription struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id,omitempty"`
	CreatorID      string `json:"creator_id,omitempty"`
	Provider       string `json:"provider"`
	ExternalRef    string `json:"external_ref"`
}

type CancelSubscription struct {
	SubscriptionID string `json:"subscription_id"`
	Provider       string `json:"provider"`
	ExternalRef    string `json:"external_ref"`
	Reason         string `json:"reason,omitempty"`
}

type Subscriptions interface {
	// Activate is a no-op for an already active subscription.
	Activate(ctx context.Context, req ActivateSubscription) error
	Cancel(ctx context.Context, req CancelSubscription) error
}

type PaymentRecord struct {
	Provider          string `json:"provider"`
	ExternalPaymentID string `json:"external_payment_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	UserID            string `json:"user_id,omitempty"`
	CreatorID         string `json:"creator_id,omitempty"`
	SubscriptionID    string `json:"subscription_id,omitempty"`
	GiftID            string `json:"gift_id,omitempty"`
	Purpose           string `json:"purpose,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// Payments is the ledger. Records are keyed by (provider, external payment id).
type Payments interface {
	RecordSuccess(ctx context.Context, rec PaymentRecord) error
	RecordFailure(ctx context.Context, rec PaymentRecord) error
}

type Gifts interface {
	// Complete is a no-op for a gift that is already completed.
	Complete(ctx context.Context, giftID, externalPaymentID string) error
}

type Notification struct {
	// DedupKey identifies the notification; consumers drop repeats.
	DedupKey string            `json:"dedup_key"`
	UserID   string            `json:"user_id"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

type Notifications interface {
	Dispatch(ctx context.Context, n Notification) error
}

type MarketingStatus struct {
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email"`
	NewEmail string `json:"new_email,omitempty"`
	ListID   string `json:"list_id,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// BillingContact is the payer identity a payment provider holds for a user.
type BillingContact struct {
	Provider   string `json:"provider"`
	CustomerID string `json:"customer_id"`
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty"`
}

type Profiles interface {
	SyncMarketingStatus(ctx context.Context, s MarketingStatus) error
	UpdateBillingContact(ctx context.Context, c BillingContact) error
}

type DeliveryStatus struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
}

type Messages interface {
	UpdateDeliveryStatus(ctx context.Context, s DeliveryStatus) error
}

type MediaStatus struct {
	MediaID    string `json:"media_id,omitempty"`
	AssetID    string `json:"asset_id"`
	PlaybackID string `json:"playback_id,omitempty"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

type Media interface {
	UpdateStatus(ctx context.Context, s MediaStatus) error
}

// EventSink receives every processed event for consumers outside this service.
type EventSink interface {
	Publish(ctx context.Context, ev *event.InboundEvent) error
}
