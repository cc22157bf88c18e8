package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/quotely/quotely/internal/observability/metrics"
	quotedomain "github.com/quotely/quotely/internal/quote/domain"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// reconcileAttempts bounds the optimistic-concurrency retry loop. Losing a
// conditional write means another delivery advanced the quote first; the
// loop re-reads and re-decides rather than overwriting blindly.
const reconcileAttempts = 5

// Reconciler converges a quote's payment status from events that may arrive
// out of order. Ordering is decided by the event's own occurred_at against
// the quote's last_payment_event_at, never by delivery order.
type Reconciler struct {
	db         *gorm.DB
	log        *zap.Logger
	quoteRepo  quotedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewReconciler(db *gorm.DB, log *zap.Logger, quoteRepo quotedomain.Repository, obsMetrics *obsmetrics.Metrics) *Reconciler {
	return &Reconciler{
		db:         db,
		log:        log.Named("webhook.reconciler"),
		quoteRepo:  quoteRepo,
		obsMetrics: obsMetrics,
	}
}

// Apply runs the transition against the quote. It returns
// webhookdomain.ErrStaleEvent when the event describes an earlier moment
// than the quote already reflects (a successful no-op, not a failure),
// webhookdomain.ErrUnknownResource when the quote does not exist, and
// webhookdomain.ErrConcurrentConflict when the retry budget is exhausted.
func (r *Reconciler) Apply(ctx context.Context, quoteID snowflake.ID, transition Transition, env *webhookdomain.Envelope, obj *webhookdomain.PaymentObject) error {
	occurredAt := env.OccurredAt()

	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		quote, err := r.quoteRepo.Get(ctx, r.db, quoteID)
		if err != nil {
			if errors.Is(err, quotedomain.ErrQuoteNotFound) {
				return webhookdomain.ErrUnknownResource
			}
			return err
		}

		if transition.MetadataOnly {
			metadata, err := r.mergeMetadata(quote, env, obj)
			if err != nil {
				return err
			}
			return r.quoteRepo.UpdatePaymentMetadata(ctx, r.db, quoteID, metadata)
		}

		if quote.LastPaymentEventAt != nil && !occurredAt.After(*quote.LastPaymentEventAt) {
			return webhookdomain.ErrStaleEvent
		}

		metadata, err := r.mergeMetadata(quote, env, obj)
		if err != nil {
			return err
		}

		patch := quotedomain.PaymentPatch{
			Status:   transition.TargetStatus,
			EventAt:  occurredAt,
			Metadata: metadata,
		}
		if paid := amountPaidFor(env.Type, obj); paid != nil {
			patch.AmountPaid = paid
		}

		applied, err := r.quoteRepo.ApplyPaymentPatch(ctx, r.db, quoteID, quote.LastPaymentEventAt, patch)
		if err != nil {
			return err
		}
		if applied {
			r.obsMetrics.RecordStatusTransition(ctx, quote.PaymentStatus, transition.TargetStatus)
			return nil
		}

		// Lost the conditional write; another event advanced the quote.
		r.obsMetrics.RecordReconcileConflict(ctx, env.Type)
		r.log.Debug("reconcile conflict, retrying",
			zap.String("quote_id", quoteID.String()),
			zap.String("event_id", env.ID),
			zap.Int("attempt", attempt+1),
		)
	}

	return webhookdomain.ErrConcurrentConflict
}

func (r *Reconciler) mergeMetadata(quote *quotedomain.Quote, env *webhookdomain.Envelope, obj *webhookdomain.PaymentObject) (datatypes.JSON, error) {
	merged := map[string]any{}
	if len(quote.PaymentMetadata) > 0 {
		if err := json.Unmarshal(quote.PaymentMetadata, &merged); err != nil {
			// Corrupt metadata should not block reconciliation; start fresh.
			r.log.Warn("resetting unreadable payment metadata", zap.String("quote_id", quote.ID.String()))
			merged = map[string]any{}
		}
	}

	merged["last_event_id"] = env.ID
	merged["last_event_type"] = env.Type

	switch env.Type {
	case webhookdomain.EventTypeInvoiceSent:
		merged["invoice_sent_at"] = env.OccurredAt().Format(time.RFC3339)
	case webhookdomain.EventTypeInvoiceViewed:
		merged["invoice_viewed_at"] = env.OccurredAt().Format(time.RFC3339)
	case webhookdomain.EventTypePaymentFailed:
		if obj != nil && obj.FailureReason != "" {
			merged["failure_reason"] = obj.FailureReason
		}
	case webhookdomain.EventTypePaymentSettled, webhookdomain.EventTypePaymentPartiallySettled:
		if obj != nil && obj.PaymentMethod != "" {
			merged["payment_method"] = obj.PaymentMethod
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func amountPaidFor(eventType string, obj *webhookdomain.PaymentObject) *int64 {
	if obj == nil {
		return nil
	}
	switch eventType {
	case webhookdomain.EventTypePaymentSettled:
		paid := obj.AmountPaid
		if paid == 0 {
			paid = obj.AmountTotal
		}
		return &paid
	case webhookdomain.EventTypePaymentPartiallySettled:
		paid := obj.AmountPaid
		return &paid
	case webhookdomain.EventTypePaymentRefunded:
		zero := int64(0)
		return &zero
	default:
		return nil
	}
}
