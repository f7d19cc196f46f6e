package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/DevoteMe/webhookd/internal/event"
)

const (
	twilioSignatureHeader   = "X-Twilio-Signature"
	twilioIdempotencyHeader = "I-Twilio-Idempotency-Token"
)

// Twilio handles the sms-voice provider. The signature covers the full
// callback URL and the sorted form parameters; the provider signs no
// timestamp, so replay protection rests on the idempotency store.
type Twilio struct {
	validator client.RequestValidator
}

func NewTwilio(authToken string) *Twilio {
	return &Twilio{validator: client.NewRequestValidator(authToken)}
}

func (t *Twilio) Provider() event.Provider { return event.SMSVoice }

func (t *Twilio) Verify(req *Request) error {
	sig := req.Header.Get(twilioSignatureHeader)
	if sig == "" {
		return ErrMissingSignature
	}
	if req.URL == nil {
		return ErrInvalidSignature
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return ErrInvalidSignature
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	if !t.validator.Validate(req.URL.String(), params, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func (t *Twilio) Parse(req *Request) (*event.InboundEvent, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	ev := &event.InboundEvent{
		ExternalEventID: req.Header.Get(twilioIdempotencyHeader),
		Metadata:        event.Metadata{},
	}
	m := ev.Metadata

	switch {
	case form.Get("MessageSid") != "" || form.Get("SmsSid") != "":
		status := firstNonEmpty(form.Get("MessageStatus"), form.Get("SmsStatus"))
		if status != "" {
			ev.EventType = "message." + strings.ToLower(status)
		}
		m.Set(event.MetaMessageID, firstNonEmpty(form.Get("MessageSid"), form.Get("SmsSid")))
		m.Set(event.MetaChannel, "sms")
		m.Set(event.MetaErrorCode, form.Get("ErrorCode"))
	case form.Get("CallSid") != "":
		if status := form.Get("CallStatus"); status != "" {
			ev.EventType = "call." + strings.ToLower(status)
		}
		m.Set(event.MetaMessageID, form.Get("CallSid"))
		m.Set(event.MetaChannel, "voice")
		m.Set(event.MetaErrorCode, form.Get("ErrorCode"))
	}
	m.Set(event.MetaStatus, strings.ToLower(firstNonEmpty(
		form.Get("MessageStatus"), form.Get("SmsStatus"), form.Get("CallStatus"))))
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
