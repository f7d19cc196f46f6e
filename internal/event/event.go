package event

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	PaymentPrimary   Provider = "payment-primary"
	PaymentSecondary Provider = "payment-secondary"
	EmailMarketing   Provider = "email-marketing"
	SMSVoice         Provider = "sms-voice"
	MediaPipeline    Provider = "media-pipeline"
)

var providers = []Provider{PaymentPrimary, PaymentSecondary, EmailMarketing, SMSVoice, MediaPipeline}

func Providers() []Provider {
	out := make([]Provider, len(providers))
	copy(out, providers)
	return out
}

func ParseProvider(s string) (Provider, bool) {
	for _, p := range providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// QueueName is the work queue that holds this provider's jobs.
func (p Provider) QueueName() string {
	return "webhooks." + string(p)
}

func (p Provider) String() string { return string(p) }

// InboundEvent is the provider-agnostic form of one webhook notification.
// It is written once to the audit store and never mutated afterwards.
type InboundEvent struct {
	ID              uuid.UUID `json:"id"`
	Provider        Provider  `json:"provider"`
	ExternalEventID string    `json:"external_event_id"`
	DerivedID       bool      `json:"derived_id"`
	EventType       string    `json:"event_type"`
	ReceivedAt      time.Time `json:"received_at"`
	RawPayload      []byte    `json:"raw_payload"`
	Metadata        Metadata  `json:"metadata"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
}

// Key is the idempotency key of the event.
func (e *InboundEvent) Key() string {
	return string(e.Provider) + ":" + e.ExternalEventID
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

var derivedNamespace = uuid.MustParse("5b0f8f2e-6c1a-4e55-9a43-1f4f3c2d7a10")

// DeriveEventID builds a deterministic id for providers that do not send one.
// Identical bodies arriving inside the same window bucket map to the same id;
// a redelivery that straddles a bucket boundary gets a different id.
func DeriveEventID(p Provider, body []byte, receivedAt time.Time, window time.Duration) string {
	bucket := receivedAt.UTC().Truncate(window).Unix()
	h := sha256.New()
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write(body)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(bucket))
	h.Write(b[:])
	return "derived-" + uuid.NewSHA1(derivedNamespace, h.Sum(nil)).String()
}

type Metadata map[string]string

const (
	MetaUserID         = "user_id"
	MetaCreatorID      = "creator_id"
	MetaSubscriptionID = "subscription_id"
	MetaGiftID         = "gift_id"
	MetaPaymentID      = "payment_id"
	MetaAmount         = "amount"
	MetaCurrency       = "currency"
	MetaEmail          = "email"
	MetaNewEmail       = "new_email"
	MetaListID         = "list_id"
	MetaStatus         = "status"
	MetaMessageID      = "message_id"
	MetaChannel        = "channel"
	MetaErrorCode      = "error_code"
	MetaMediaID        = "media_id"
	MetaAssetID        = "asset_id"
	MetaPlaybackID     = "playback_id"
	MetaPurpose        = "purpose"
	MetaCustomerID     = "customer_id"
	MetaReason         = "reason"
)

// Purposes carried by payment events.
const (
	PurposeSubscription = "subscription"
	PurposeGift         = "gift"
)

func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set stores value under key unless value is empty.
func (m Metadata) Set(key, value string) {
	if value == "" {
		return
	}
	m[key] = value
}

func (m Metadata) Int64(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
