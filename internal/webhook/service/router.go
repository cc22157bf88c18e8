package service

import (
	"strings"

	"github.com/quotely/quotely/internal/quote/domain"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
)

// Transition describes what an event type does to a quote. Adding a new
// event type is a table change, not new control flow.
type Transition struct {
	// TargetStatus is the candidate payment status; empty for
	// metadata-only events.
	TargetStatus string
	MetadataOnly bool
}

var transitions = map[string]Transition{
	webhookdomain.EventTypePaymentSettled:          {TargetStatus: domain.PaymentStatusPaid},
	webhookdomain.EventTypePaymentFailed:           {TargetStatus: domain.PaymentStatusFailed},
	webhookdomain.EventTypePaymentPartiallySettled: {TargetStatus: domain.PaymentStatusPartiallyPaid},
	webhookdomain.EventTypePaymentRefunded:         {TargetStatus: domain.PaymentStatusRefunded},
	webhookdomain.EventTypePaymentActionRequired:   {TargetStatus: domain.PaymentStatusActionRequired},
	webhookdomain.EventTypeInvoiceVoided:           {TargetStatus: domain.PaymentStatusVoided},
	webhookdomain.EventTypeInvoiceUncollectible:    {TargetStatus: domain.PaymentStatusUncollectible},
	webhookdomain.EventTypeInvoiceSent:             {MetadataOnly: true},
	webhookdomain.EventTypeInvoiceViewed:           {MetadataOnly: true},
}

// Route resolves an event type to its transition. Unknown types are not an
// error; the sender's catalog evolves independently of this receiver.
func Route(eventType string) (Transition, bool) {
	t, ok := transitions[strings.TrimSpace(eventType)]
	return t, ok
}
