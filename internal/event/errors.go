package event

import "errors"

var (
	// ErrAuthentication covers bad, missing or stale signatures. Never queued.
	ErrAuthentication = errors.New("webhook authentication failed")
	// ErrMalformedPayload means routing fields could not be extracted. Never queued.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrDuplicateDelivery marks a redelivery of an already recorded event.
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")
	ErrUnknownProvider   = errors.New("unknown webhook provider")
)
