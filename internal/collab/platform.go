package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// PlatformClient calls the platform's internal API. It implements
// Subscriptions, Payments, Gifts, Profiles, Messages and Media.
type PlatformClient struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewPlatformClient(baseURL, token string, timeout time.Duration) *PlatformClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform-api",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// A 4xx means the API is up.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected)
		},
	})
	return &PlatformClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
	}
}

func (c *PlatformClient) Activate(ctx context.Context, req ActivateSubscription) error {
	return c.post(ctx, "/internal/subscriptions/"+url.PathEscape(req.SubscriptionID)+"/activate",
		"activate:"+req.Provider+":"+req.ExternalRef, req)
}

func (c *PlatformClient) Cancel(ctx context.Context, req CancelSubscription) error {
	return c.post(ctx, "/internal/subscriptions/"+url.PathEscape(req.SubscriptionID)+"/cancel",
		"cancel:"+req.Provider+":"+req.ExternalRef, req)
}

func (c *PlatformClient) RecordSuccess(ctx context.Context, rec PaymentRecord) error {
	return c.post(ctx, "/internal/payments/succeeded", "payment:"+rec.Provider+":"+rec.ExternalPaymentID, rec)
}

func (c *PlatformClient) RecordFailure(ctx context.Context, rec PaymentRecord) error {
	return c.post(ctx, "/internal/payments/failed", "payment-failed:"+rec.Provider+":"+rec.ExternalPaymentID, rec)
}

func (c *PlatformClient) Complete(ctx context.Context, giftID, externalPaymentID string) error {
	body := map[string]string{"external_payment_id": externalPaymentID}
	return c.post(ctx, "/internal/gifts/"+url.PathEscape(giftID)+"/complete", "gift:"+giftID, body)
}

func (c *PlatformClient) SyncMarketingStatus(ctx context.Context, s MarketingStatus) error {
	return c.post(ctx, "/internal/users/marketing-status", "", s)
}

func (c *PlatformClient) UpdateBillingContact(ctx context.Context, bc BillingContact) error {
	return c.post(ctx, "/internal/users/billing-contact", "", bc)
}

func (c *PlatformClient) UpdateDeliveryStatus(ctx context.Context, s DeliveryStatus) error {
	return c.post(ctx, "/internal/messages/"+url.PathEscape(s.MessageID)+"/status", "", s)
}

func (c *PlatformClient) UpdateStatus(ctx context.Context, s MediaStatus) error {
	return c.post(ctx, "/internal/media/status", "", s)
}

// post sends body as JSON. Status updates that are naturally idempotent pass
// an empty idempotency key.
func (c *PlatformClient) post(ctx context.Context, path, idempotencyKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	_, err = c.cb.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, idempotencyKey, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("platform api %s: %w", path, err)
	}
	return err
}

func (c *PlatformClient) do(ctx context.Context, path, idempotencyKey string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform api %s: %w", path, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("platform api %s: %w: %s", path, ErrNotFound, strings.TrimSpace(string(msg)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("platform api %s: status %d", path, resp.StatusCode)
	case resp.StatusCode < 500:
		return fmt.Errorf("platform api %s: %w: status %d: %s", path, ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("platform api %s: status %d", path, resp.StatusCode)
	}
}
