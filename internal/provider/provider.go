// Package provider authenticates inbound webhooks and maps each provider's
// payload into an event.InboundEvent. Every provider implements Adapter and
// is looked up by its event.Provider key in a Registry.
package provider

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DevoteMe/webhookd/internal/event"
)

var (
	ErrMissingSignature = errors.New("signature header is required")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrTimestampExpired = errors.New("signature timestamp outside allowed window")
)

// Request is the raw material of one delivery as received over HTTP.
type Request struct {
	Body       []byte
	Header     http.Header
	URL        *url.URL // externally visible URL, including query
	ReceivedAt time.Time
	RemoteAddr string
}

type Adapter interface {
	Provider() event.Provider
	// Verify checks authenticity and freshness. It must not parse the body
	// beyond what the signature scheme needs.
	Verify(req *Request) error
	// Parse maps a verified body into an event. Provider, ReceivedAt and a
	// derived id are filled in by the Registry.
	Parse(req *Request) (*event.InboundEvent, error)
}

type Registry struct {
	adapters        map[event.Provider]Adapter
	derivedIDWindow time.Duration
}

func NewRegistry(derivedIDWindow time.Duration, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters:        make(map[event.Provider]Adapter, len(adapters)),
		derivedIDWindow: derivedIDWindow,
	}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

func (r *Registry) Has(p event.Provider) bool {
	_, ok := r.adapters[p]
	return ok
}

// Verify returns nil when the request is authentic. Any failure wraps
// event.ErrAuthentication.
func (r *Registry) Verify(p event.Provider, req *Request) error {
	a, ok := r.adapters[p]
	if !ok {
		return fmt.Errorf("%w: %w: %s", event.ErrAuthentication, event.ErrUnknownProvider, p)
	}
	if err := a.Verify(req); err != nil {
		return fmt.Errorf("%w: %s: %w", event.ErrAuthentication, p, err)
	}
	return nil
}

// Normalize parses a verified request. It fails with event.ErrMalformedPayload
// when the event type cannot be determined.
func (r *Registry) Normalize(p event.Provider, req *Request) (*event.InboundEvent, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", event.ErrMalformedPayload, event.ErrUnknownProvider, p)
	}
	ev, err := a.Parse(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", event.ErrMalformedPayload, p, err)
	}
	if ev == nil || strings.TrimSpace(ev.EventType) == "" {
		return nil, fmt.Errorf("%w: %s: missing event type", event.ErrMalformedPayload, p)
	}
	ev.Provider = p
	ev.ReceivedAt = req.ReceivedAt
	ev.RawPayload = req.Body
	if ev.Metadata == nil {
		ev.Metadata = event.Metadata{}
	}
	if ev.ExternalEventID == "" {
		ev.ExternalEventID = event.DeriveEventID(p, req.Body, req.ReceivedAt, r.derivedIDWindow)
		ev.DerivedID = true
	}
	return ev, nil
}

// signedHeader holds a "t=<unix>,v1=<sig>[,v1=<sig>]" style header, the
// format shared by the payment-primary and media-pipeline providers.
type signedHeader struct {
	timestamp  time.Time
	signatures []string
}

func parseSignedHeader(value, scheme string) (signedHeader, error) {
	var h signedHeader
	if value == "" {
		return h, ErrMissingSignature
	}
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return h, ErrInvalidTimestamp
			}
			h.timestamp = time.Unix(ts, 0)
		case scheme:
			h.signatures = append(h.signatures, v)
		}
	}
	if h.timestamp.IsZero() {
		return h, ErrInvalidTimestamp
	}
	if len(h.signatures) == 0 {
		return h, ErrMissingSignature
	}
	return h, nil
}

// checkFreshness rejects timestamps further than window from now in either direction.
func checkFreshness(ts, now time.Time, window time.Duration) error {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	if d > window {
		return ErrTimestampExpired
	}
	return nil
}

// anyEqual compares the expected signature against every candidate in
// constant time per candidate.
func anyEqual(expected []byte, candidates ...[]byte) bool {
	match := false
	for _, c := range candidates {
		if hmac.Equal(expected, c) {
			match = true
		}
	}
	return match
}
