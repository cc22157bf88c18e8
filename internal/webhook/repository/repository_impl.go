package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotely/quotely/internal/webhook/domain"
	pkgdb "github.com/quotely/quotely/pkg/db"
	"github.com/quotely/quotely/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// insertEventSQL picks the duplicate-tolerant insert for the dialect. MySQL
// has no ON CONFLICT clause; INSERT IGNORE gives the same RowsAffected
// contract there.
func insertEventSQL(dialect string) string {
	const columns = `(
			id, event_id, event_type, payload, occurred_at, received_at,
			processing_status, error_message, retry_count, quote_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if dialect == "mysql" {
		return `INSERT IGNORE INTO webhook_events ` + columns
	}
	return `INSERT INTO webhook_events ` + columns + `
		ON CONFLICT (event_id) DO NOTHING`
}

// InsertEvent attempts the idempotency insert. The unique index on event_id
// is the single serialization point for duplicate deliveries: the insert and
// the conflict check are one atomic statement, never read-then-insert.
func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		insertEventSQL(db.Dialector.Name()),
		event.ID,
		event.EventID,
		event.EventType,
		event.Payload,
		event.OccurredAt,
		event.ReceivedAt,
		event.ProcessingStatus,
		event.ErrorMessage,
		event.RetryCount,
		event.QuoteID,
		event.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, eventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, event_type, payload, occurred_at, received_at,
			processing_status, error_message, retry_count, quote_id, updated_at
		 FROM webhook_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// MarkProcessing claims the row for a processing attempt. retry_count counts
// re-entries only: the first attempt on a fresh pending row is not a retry.
// retry_count is assigned before processing_status so MySQL's left-to-right
// SET evaluation still sees the old status.
func (r *repo) MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET retry_count = CASE WHEN processing_status = ? THEN retry_count ELSE retry_count + 1 END,
		     processing_status = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusPending,
		domain.StatusProcessing,
		at,
		id,
	).Error
}

func (r *repo) MarkStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, errMsg *string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processing_status = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		errMsg,
		at,
		id,
	).Error
}

func (r *repo) SetQuoteID(ctx context.Context, db *gorm.DB, id snowflake.ID, quoteID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET quote_id = ? WHERE id = ?`,
		quoteID,
		id,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, filter domain.EventFilter, p pagination.Pagination) ([]domain.EventRecord, pagination.PageInfo, error) {
	limit := p.PageSize
	if limit <= 0 {
		limit = 50
	}

	stmt := db.WithContext(ctx).Model(&domain.EventRecord{})
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		stmt = stmt.Where("processing_status = ?", status)
	}

	if token := strings.TrimSpace(p.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		receivedAt, err := time.Parse(time.RFC3339Nano, cursor.Timestamp)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		stmt = stmt.Where("(received_at < ?) OR (received_at = ? AND id < ?)",
			receivedAt, receivedAt, id)
	}

	var events []domain.EventRecord
	if err := stmt.Order("received_at desc, id desc").Limit(limit + 1).Find(&events).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}

	info := pagination.PageInfo{}
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        strconv.FormatInt(int64(last.ID), 10),
			Timestamp: last.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.NextPageToken = token
		info.HasMore = true
	}
	return events, info, nil
}

// FindStale returns pending or processing rows whose last touch is older than
// the cutoff, oldest first, for the recovery sweep.
func (r *repo) FindStale(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []domain.EventRecord
	err := db.WithContext(ctx).
		Where("processing_status IN ?", []string{domain.StatusPending, domain.StatusProcessing}).
		Where("updated_at < ?", olderThan).
		Order("updated_at asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
