package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Envelope is the sender-defined JSON wrapper around every notification.
type Envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    EnvelopeData `json:"data"`
}

type EnvelopeData struct {
	Object json.RawMessage `json:"object"`
}

// PaymentObject is the resource snapshot nested inside payment and invoice
// events. Fields beyond quote_id vary by event type.
type PaymentObject struct {
	QuoteID       string `json:"quote_id"`
	AmountTotal   int64  `json:"amount_total"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason"`
	PaymentMethod string `json:"payment_method"`
}

// ParseEnvelope decodes and validates the outer envelope. Shape errors here
// happen before the event is stored, so the sender sees a 4xx and retries
// are cheap.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	if !json.Valid(payload) {
		return nil, ErrInvalidEnvelope
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}

	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return nil, ErrInvalidEnvelope
	}
	if env.Created <= 0 {
		return nil, ErrInvalidEnvelope
	}
	return &env, nil
}

// OccurredAt is the logical event time assigned by the sender, distinct from
// the local receipt time.
func (e *Envelope) OccurredAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// Object decodes the nested resource snapshot.
func (e *Envelope) Object() (*PaymentObject, error) {
	if len(e.Data.Object) == 0 {
		return nil, ErrMalformedPayload
	}
	var obj PaymentObject
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
		return nil, ErrMalformedPayload
	}
	obj.QuoteID = strings.TrimSpace(obj.QuoteID)
	if obj.QuoteID == "" {
		return nil, ErrMalformedPayload
	}
	obj.Currency = strings.ToUpper(strings.TrimSpace(obj.Currency))
	return &obj, nil
}
