package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotely/quotely/internal/quote/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Quote, error) {
	var quote domain.Quote
	err := db.WithContext(ctx).Raw(
		`SELECT id, quote_number, customer_name, customer_email, title,
			amount_total, amount_paid, currency, payment_status,
			last_payment_event_at, payment_metadata, created_at, updated_at
		 FROM quotes
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&quote).Error
	if err != nil {
		return nil, err
	}
	if quote.ID == 0 {
		return nil, domain.ErrQuoteNotFound
	}
	return &quote, nil
}

// ApplyPaymentPatch is the optimistic-concurrency write. The WHERE clause
// re-checks last_payment_event_at against the value the caller read, so two
// concurrent reconciliations for the same quote cannot both win.
func (r *repo) ApplyPaymentPatch(ctx context.Context, db *gorm.DB, id snowflake.ID, prevEventAt *time.Time, patch domain.PaymentPatch) (bool, error) {
	now := time.Now().UTC()

	stmt := db.WithContext(ctx).Model(&domain.Quote{}).
		Where("id = ?", id)
	if prevEventAt == nil {
		stmt = stmt.Where("last_payment_event_at IS NULL")
	} else {
		stmt = stmt.Where("last_payment_event_at = ?", *prevEventAt)
	}

	updates := map[string]any{
		"payment_status":        patch.Status,
		"last_payment_event_at": patch.EventAt,
		"updated_at":            now,
	}
	if patch.AmountPaid != nil {
		updates["amount_paid"] = *patch.AmountPaid
	}
	if patch.Metadata != nil {
		updates["payment_metadata"] = patch.Metadata
	}

	res := stmt.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdatePaymentMetadata writes auxiliary fields for metadata-only events; it
// never touches payment_status or the ordering column.
func (r *repo) UpdatePaymentMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSON) error {
	return db.WithContext(ctx).Exec(
		`UPDATE quotes SET payment_metadata = ?, updated_at = ? WHERE id = ?`,
		metadata,
		time.Now().UTC(),
		id,
	).Error
}
