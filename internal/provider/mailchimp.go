package provider

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/DevoteMe/webhookd/internal/event"
)

const mailchimpSecretParam = "secret"

// Mailchimp handles the email-marketing provider.
//
// The provider does not sign its callbacks. Verification only checks a shared
// secret embedded in the registered callback URL, so anyone who learns the URL
// can forge events. Handlers for this provider must only perform effects that
// are harmless if forged (marketing status sync), never access grants.
type Mailchimp struct {
	secret string
}

func NewMailchimp(secret string) *Mailchimp {
	return &Mailchimp{secret: secret}
}

func (m *Mailchimp) Provider() event.Provider { return event.EmailMarketing }

func (m *Mailchimp) Verify(req *Request) error {
	if req.URL == nil {
		return ErrMissingSignature
	}
	got := req.URL.Query().Get(mailchimpSecretParam)
	if got == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(m.secret)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

type mailchimpEvent struct {
	Type    string `json:"type"`
	FiredAt string `json:"fired_at"`
	Data    struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		NewEmail string `json:"new_email"`
		ListID   string `json:"list_id"`
		Reason   string `json:"reason"`
		Merges   struct {
			UserID string `json:"USERID"`
			Email  string `json:"EMAIL"`
		} `json:"merges"`
	} `json:"data"`
}

// Parse accepts both the JSON body and the form encoding the provider uses by
// default ("type=subscribe&data[email]=...").
func (m *Mailchimp) Parse(req *Request) (*event.InboundEvent, error) {
	var me mailchimpEvent
	body := strings.TrimSpace(string(req.Body))
	if strings.HasPrefix(body, "{") {
		if err := json.Unmarshal(req.Body, &me); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
	} else {
		form, err := url.ParseQuery(body)
		if err != nil {
			return nil, fmt.Errorf("decode form: %w", err)
		}
		me.Type = form.Get("type")
		me.FiredAt = form.Get("fired_at")
		me.Data.ID = form.Get("data[id]")
		me.Data.Email = form.Get("data[email]")
		me.Data.NewEmail = form.Get("data[new_email]")
		me.Data.ListID = form.Get("data[list_id]")
		me.Data.Reason = form.Get("data[reason]")
		me.Data.Merges.UserID = form.Get("data[merges][USERID]")
	}

	ev := &event.InboundEvent{
		EventType: me.Type,
		Metadata:  event.Metadata{},
	}
	md := ev.Metadata
	email := me.Data.Email
	if email == "" {
		email = me.Data.Merges.Email
	}
	md.Set(event.MetaEmail, strings.ToLower(email))
	md.Set(event.MetaNewEmail, strings.ToLower(me.Data.NewEmail))
	md.Set(event.MetaListID, me.Data.ListID)
	md.Set(event.MetaUserID, me.Data.Merges.UserID)
	md.Set(event.MetaReason, me.Data.Reason)
	md.Set(event.MetaCustomerID, me.Data.ID)
	return ev, nil
}
