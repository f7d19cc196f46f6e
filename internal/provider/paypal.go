package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"time"

	"github.com/DevoteMe/webhookd/internal/event"
)

const (
	paypalTransmissionID   = "Paypal-Transmission-Id"
	paypalTransmissionTime = "Paypal-Transmission-Time"
	paypalTransmissionSig  = "Paypal-Transmission-Sig"
)

// PayPal handles the payment-secondary provider. The signed string is
// "<transmission id>|<transmission time>|<webhook id>|<crc32 of body>", keyed
// with the shared webhook secret.
type PayPal struct {
	webhookID string
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewPayPal(webhookID, secret string, tolerance time.Duration) *PayPal {
	return &PayPal{webhookID: webhookID, secret: secret, tolerance: tolerance, now: time.Now}
}

func (p *PayPal) Provider() event.Provider { return event.PaymentSecondary }

func (p *PayPal) Verify(req *Request) error {
	id := req.Header.Get(paypalTransmissionID)
	ts := req.Header.Get(paypalTransmissionTime)
	sig := req.Header.Get(paypalTransmissionSig)
	if id == "" || ts == "" || sig == "" {
		return ErrMissingSignature
	}
	sent, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if err := checkFreshness(sent, p.now(), p.tolerance); err != nil {
		return err
	}
	provided, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !anyEqual(p.sign(id, ts, req.Body), provided) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *PayPal) sign(transmissionID, transmissionTime string, body []byte) []byte {
	crc := strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10)
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write([]byte(transmissionID + "|" + transmissionTime + "|" + p.webhookID + "|" + crc))
	return mac.Sum(nil)
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		CustomID string `json:"custom_id"`
		PlanID   string `json:"plan_id"`
		Amount   *struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
		Subscriber *struct {
			EmailAddress string `json:"email_address"`
			PayerID      string `json:"payer_id"`
		} `json:"subscriber"`
		Payer *struct {
			EmailAddress string `json:"email_address"`
			PayerID      string `json:"payer_id"`
		} `json:"payer"`
		StatusDetails *struct {
			Reason string `json:"reason"`
		} `json:"status_details"`
		SupplementaryData *struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

func (p *PayPal) Parse(req *Request) (*event.InboundEvent, error) {
	var pe paypalEvent
	if err := json.Unmarshal(req.Body, &pe); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	ev := &event.InboundEvent{
		ExternalEventID: pe.ID,
		EventType:       pe.EventType,
		Metadata:        event.Metadata{},
	}
	m := ev.Metadata
	r := pe.Resource
	parseCustomField(m, r.CustomID)
	m.Set(event.MetaStatus, strings.ToLower(r.Status))

	if strings.HasPrefix(pe.EventType, "BILLING.SUBSCRIPTION.") {
		if m.Get(event.MetaSubscriptionID) == "" {
			m.Set(event.MetaSubscriptionID, r.ID)
		}
		if r.Subscriber != nil {
			m.Set(event.MetaEmail, r.Subscriber.EmailAddress)
			m.Set(event.MetaCustomerID, r.Subscriber.PayerID)
		}
		if m.Get(event.MetaPurpose) == "" {
			m.Set(event.MetaPurpose, event.PurposeSubscription)
		}
	} else {
		m.Set(event.MetaPaymentID, r.ID)
		if r.Payer != nil {
			m.Set(event.MetaEmail, r.Payer.EmailAddress)
			m.Set(event.MetaCustomerID, r.Payer.PayerID)
		}
	}
	if r.StatusDetails != nil {
		m.Set(event.MetaReason, r.StatusDetails.Reason)
	}
	if r.Amount != nil {
		m.Set(event.MetaCurrency, strings.ToUpper(r.Amount.CurrencyCode))
		// An unparseable amount is an optional field; the handler decides
		// whether it can proceed without it.
		if minor, err := minorUnits(r.Amount.Value, r.Amount.CurrencyCode); err == nil {
			m.Set(event.MetaAmount, strconv.FormatInt(minor, 10))
		}
	}
	return ev, nil
}
