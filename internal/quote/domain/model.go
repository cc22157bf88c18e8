package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Quote is the business record whose payment slice this service mutates.
// The wider application owns the rest of the row; payment_status,
// last_payment_event_at, amount_paid and payment_metadata are written only
// through the reconciler's conditional update.
type Quote struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	QuoteNumber        string         `json:"quote_number" gorm:"type:text;not null"`
	CustomerName       string         `json:"customer_name" gorm:"type:text"`
	CustomerEmail      string         `json:"customer_email" gorm:"type:text"`
	Title              string         `json:"title" gorm:"type:text"`
	AmountTotal        int64          `json:"amount_total" gorm:"not null"`
	AmountPaid         int64          `json:"amount_paid" gorm:"not null;default:0"`
	Currency           string         `json:"currency" gorm:"type:text;not null"`
	PaymentStatus      string         `json:"payment_status" gorm:"type:text;not null;default:unpaid"`
	LastPaymentEventAt *time.Time     `json:"last_payment_event_at"`
	PaymentMetadata    datatypes.JSON `json:"payment_metadata"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Quote) TableName() string { return "quotes" }

const (
	PaymentStatusUnpaid         = "unpaid"
	PaymentStatusPaid           = "paid"
	PaymentStatusFailed         = "failed"
	PaymentStatusPartiallyPaid  = "partially_paid"
	PaymentStatusRefunded       = "refunded"
	PaymentStatusVoided         = "voided"
	PaymentStatusUncollectible  = "uncollectible"
	PaymentStatusActionRequired = "action_required"
)

var ErrQuoteNotFound = errors.New("quote_not_found")

// PaymentPatch is the reconciler's conditional write. AmountPaid and
// Metadata are applied only when non-nil.
type PaymentPatch struct {
	Status     string
	EventAt    time.Time
	AmountPaid *int64
	Metadata   datatypes.JSON
}

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Quote, error)
	// ApplyPaymentPatch updates the payment slice only if the row's
	// last_payment_event_at still equals prevEventAt. Returns false when a
	// concurrent writer advanced the row first.
	ApplyPaymentPatch(ctx context.Context, db *gorm.DB, id snowflake.ID, prevEventAt *time.Time, patch PaymentPatch) (bool, error)
	UpdatePaymentMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSON) error
}
