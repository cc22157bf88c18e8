package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotely/quotely/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one inbound payment notification. The payload is immutable
// once stored; only the processing columns change afterwards.
type EventRecord struct {
	ID               snowflake.ID   `json:"id" gorm:"primaryKey"`
	EventID          string         `json:"event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType        string         `json:"event_type" gorm:"type:text;not null;index"`
	Payload          datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	OccurredAt       time.Time      `json:"occurred_at" gorm:"not null"`
	ReceivedAt       time.Time      `json:"received_at" gorm:"not null;index"`
	ProcessingStatus string         `json:"processing_status" gorm:"type:text;not null;index"`
	ErrorMessage     *string        `json:"error_message"`
	RetryCount       int            `json:"retry_count" gorm:"not null;default:0"`
	QuoteID          *snowflake.ID  `json:"quote_id" gorm:"index"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusIgnored    = "ignored"
)

func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusIgnored:
		return true
	default:
		return false
	}
}

// Event types emitted by the payment processor.
const (
	EventTypePaymentSettled          = "payment.settled"
	EventTypePaymentFailed           = "payment.failed"
	EventTypePaymentPartiallySettled = "payment.partially_settled"
	EventTypePaymentRefunded         = "payment.refunded"
	EventTypePaymentActionRequired   = "payment.action_required"
	EventTypeInvoiceVoided           = "invoice.voided"
	EventTypeInvoiceUncollectible    = "invoice.uncollectible"
	EventTypeInvoiceSent             = "invoice.sent"
	EventTypeInvoiceViewed           = "invoice.viewed"
)

// EventFilter narrows audit listings.
type EventFilter struct {
	EventType string
	Status    string
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*EventRecord, error)
	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	MarkStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, errMsg *string, at time.Time) error
	SetQuoteID(ctx context.Context, db *gorm.DB, id snowflake.ID, quoteID snowflake.ID) error
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter, p pagination.Pagination) ([]EventRecord, pagination.PageInfo, error)
	FindStale(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]EventRecord, error)
}

type Service interface {
	IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	// ReprocessEvent re-runs the pipeline for an already stored event; used
	// by the recovery sweep, never by the request path.
	ReprocessEvent(ctx context.Context, stored *EventRecord) error
	ListEvents(ctx context.Context, filter EventFilter, p pagination.Pagination) ([]EventRecord, pagination.PageInfo, error)
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)
}
