package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/clock"
	"github.com/quotely/quotely/internal/config"
	quotedomain "github.com/quotely/quotely/internal/quote/domain"
	quoterepository "github.com/quotely/quotely/internal/quote/repository"
	"github.com/quotely/quotely/internal/webhook/domain"
	webhookrepository "github.com/quotely/quotely/internal/webhook/repository"
	"github.com/quotely/quotely/internal/webhook/signature"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

type auditRecorder struct {
	mu      sync.Mutex
	entries []auditEntry
}

type auditEntry struct {
	ActorType  string
	Action     string
	TargetType string
	TargetID   *string
	Metadata   map[string]any
}

func (a *auditRecorder) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{
		ActorType:  actorType,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	})
	return nil
}

func (a *auditRecorder) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type pipelineHarness struct {
	db    *gorm.DB
	svc   domain.Service
	clk   *clock.FakeClock
	node  *snowflake.Node
	audit *auditRecorder
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.EventRecord{}, &quotedomain.Quote{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Every in-memory sqlite connection is its own database; one pooled
	// connection keeps it shared across goroutines.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := config.Config{
		Environment:           "test",
		WebhookSecret:         testSecret,
		WebhookTolerance:      5 * time.Minute,
		WebhookProcessTimeout: 10 * time.Second,
	}
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	node, _ := snowflake.NewNode(1)
	recorder := &auditRecorder{}

	svc := NewService(Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Cfg:          cfg,
		Clock:        clk,
		Repo:         webhookrepository.Provide(),
		QuoteRepo:    quoterepository.Provide(),
		Verifier:     signature.New(cfg, clk, log),
		AuditSvc:     recorder,
		PolicyHolder: config.NewStaticPipelinePolicyHolder(config.DefaultPipelinePolicy()),
	})

	return &pipelineHarness{db: db, svc: svc, clk: clk, node: node, audit: recorder}
}

func (h *pipelineHarness) createQuote(t *testing.T, amountTotal int64) quotedomain.Quote {
	t.Helper()
	quote := quotedomain.Quote{
		ID:            h.node.Generate(),
		QuoteNumber:   fmt.Sprintf("Q-%d", h.node.Generate()),
		CustomerName:  "Ada Example",
		CustomerEmail: "ada@example.com",
		AmountTotal:   amountTotal,
		Currency:      "USD",
		PaymentStatus: quotedomain.PaymentStatusUnpaid,
		CreatedAt:     h.clk.Now(),
		UpdatedAt:     h.clk.Now(),
	}
	if err := h.db.Create(&quote).Error; err != nil {
		t.Fatalf("create quote: %v", err)
	}
	return quote
}

func (h *pipelineHarness) payload(t *testing.T, eventID, eventType string, created time.Time, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func (h *pipelineHarness) sign(body []byte) string {
	ts := h.clk.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (h *pipelineHarness) deliver(t *testing.T, body []byte) error {
	t.Helper()
	return h.svc.IngestWebhook(context.Background(), body, h.sign(body))
}

func (h *pipelineHarness) quote(t *testing.T, id snowflake.ID) quotedomain.Quote {
	t.Helper()
	var quote quotedomain.Quote
	if err := h.db.First(&quote, "id = ?", id).Error; err != nil {
		t.Fatalf("load quote: %v", err)
	}
	return quote
}

func (h *pipelineHarness) event(t *testing.T, eventID string) domain.EventRecord {
	t.Helper()
	var event domain.EventRecord
	if err := h.db.First(&event, "event_id = ?", eventID).Error; err != nil {
		t.Fatalf("load event %s: %v", eventID, err)
	}
	return event
}

func (h *pipelineHarness) eventCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := h.db.Model(&domain.EventRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func TestIngestSettlementMarksQuotePaid(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 20000)

	occurred := h.clk.Now().Add(-time.Minute)
	body := h.payload(t, "evt_1", domain.EventTypePaymentSettled, occurred, map[string]any{
		"quote_id":       quote.ID.String(),
		"amount_total":   20000,
		"amount_paid":    20000,
		"currency":       "usd",
		"payment_method": "card",
	})

	if err := h.deliver(t, body); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	updated := h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", updated.PaymentStatus)
	}
	if updated.AmountPaid != 20000 {
		t.Fatalf("expected amount paid 20000, got %d", updated.AmountPaid)
	}
	if updated.LastPaymentEventAt == nil || !updated.LastPaymentEventAt.Equal(occurred) {
		t.Fatalf("expected last event time %v, got %v", occurred, updated.LastPaymentEventAt)
	}

	var metadata map[string]any
	if err := json.Unmarshal(updated.PaymentMetadata, &metadata); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if metadata["last_event_id"] != "evt_1" || metadata["payment_method"] != "card" {
		t.Fatalf("unexpected metadata: %v", metadata)
	}

	event := h.event(t, "evt_1")
	if event.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("expected completed event, got %s", event.ProcessingStatus)
	}
	if event.QuoteID == nil || *event.QuoteID != quote.ID {
		t.Fatalf("expected event linked to quote, got %v", event.QuoteID)
	}

	actions := h.audit.actions()
	if len(actions) != 1 || actions[0] != auditdomain.ActionStatusApplied {
		t.Fatalf("expected one status_applied audit entry, got %v", actions)
	}
}

func TestIngestDuplicateDeliveriesStoreOneRow(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 5000)

	body := h.payload(t, "evt_dup", domain.EventTypePaymentSettled, h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 5000,
	})

	for i := 0; i < 4; i++ {
		if err := h.deliver(t, body); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	if count := h.eventCount(t); count != 1 {
		t.Fatalf("expected 1 stored event, got %d", count)
	}
	updated := h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusPaid || updated.AmountPaid != 5000 {
		t.Fatalf("duplicates changed the quote: %+v", updated)
	}
	// One applied transition, redeliveries acknowledged without effect.
	if actions := h.audit.actions(); len(actions) != 1 {
		t.Fatalf("expected a single audit entry, got %v", actions)
	}
}

func TestOutOfOrderDeliveriesConverge(t *testing.T) {
	run := func(t *testing.T, firstOldest bool) quotedomain.Quote {
		h := newPipelineHarness(t)
		quote := h.createQuote(t, 10000)

		t1 := h.clk.Now().Add(-3 * time.Minute)
		t2 := h.clk.Now().Add(-1 * time.Minute)
		failed := h.payload(t, "evt_failed", domain.EventTypePaymentFailed, t1, map[string]any{
			"quote_id":       quote.ID.String(),
			"failure_reason": "card_declined",
		})
		settled := h.payload(t, "evt_settled", domain.EventTypePaymentSettled, t2, map[string]any{
			"quote_id":     quote.ID.String(),
			"amount_total": 10000,
		})

		order := [][]byte{failed, settled}
		if !firstOldest {
			order = [][]byte{settled, failed}
		}
		for _, body := range order {
			if err := h.deliver(t, body); err != nil {
				t.Fatalf("ingest: %v", err)
			}
		}
		return h.quote(t, quote.ID)
	}

	inOrder := run(t, true)
	reversed := run(t, false)

	for _, quote := range []quotedomain.Quote{inOrder, reversed} {
		if quote.PaymentStatus != quotedomain.PaymentStatusPaid {
			t.Fatalf("expected paid regardless of delivery order, got %s", quote.PaymentStatus)
		}
		if quote.AmountPaid != 10000 {
			t.Fatalf("expected amount paid 10000, got %d", quote.AmountPaid)
		}
	}
}

func TestConcurrentDeliveriesConvergeOnLatest(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	settledAt := h.clk.Now().Add(-time.Minute)
	failed := h.payload(t, "evt_conc_failed", domain.EventTypePaymentFailed, h.clk.Now().Add(-2*time.Minute), map[string]any{
		"quote_id":       quote.ID.String(),
		"failure_reason": "card_declined",
	})
	settled := h.payload(t, "evt_conc_settled", domain.EventTypePaymentSettled, settledAt, map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 10000,
		"amount_paid":  10000,
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, body := range [][]byte{failed, settled} {
		wg.Add(1)
		go func(i int, body []byte) {
			defer wg.Done()
			errs[i] = h.svc.IngestWebhook(context.Background(), body, h.sign(body))
		}(i, body)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent delivery %d: %v", i, err)
		}
	}
	if count := h.eventCount(t); count != 2 {
		t.Fatalf("expected 2 event rows, got %d", count)
	}
	for _, eventID := range []string{"evt_conc_failed", "evt_conc_settled"} {
		if event := h.event(t, eventID); event.ProcessingStatus != domain.StatusCompleted {
			t.Fatalf("expected %s completed, got %s", eventID, event.ProcessingStatus)
		}
	}

	// Whichever delivery lands second, the later occurred_at wins.
	updated := h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusPaid {
		t.Fatalf("expected paid after concurrent deliveries, got %s", updated.PaymentStatus)
	}
	if updated.LastPaymentEventAt == nil || !updated.LastPaymentEventAt.Equal(settledAt) {
		t.Fatalf("expected watermark %v, got %v", settledAt, updated.LastPaymentEventAt)
	}
}

func TestStaleRedeliveryIsSuccessfulNoOp(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	t1 := h.clk.Now().Add(-3 * time.Minute)
	t2 := h.clk.Now().Add(-1 * time.Minute)
	settled := h.payload(t, "evt_settled", domain.EventTypePaymentSettled, t2, map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 10000,
	})
	failed := h.payload(t, "evt_failed", domain.EventTypePaymentFailed, t1, map[string]any{
		"quote_id":       quote.ID.String(),
		"failure_reason": "card_declined",
	})

	if err := h.deliver(t, settled); err != nil {
		t.Fatalf("ingest settled: %v", err)
	}
	if err := h.deliver(t, failed); err != nil {
		t.Fatalf("ingest stale failed event: %v", err)
	}

	if status := h.quote(t, quote.ID).PaymentStatus; status != quotedomain.PaymentStatusPaid {
		t.Fatalf("stale event moved the quote to %s", status)
	}
	// The older event still completes; discarding it is a success.
	if event := h.event(t, "evt_failed"); event.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("expected stale event completed, got %s", event.ProcessingStatus)
	}

	actions := h.audit.actions()
	if len(actions) != 2 || actions[1] != auditdomain.ActionEventStale {
		t.Fatalf("expected stale audit entry, got %v", actions)
	}
}

func TestTamperedPayloadStoresNothing(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	body := h.payload(t, "evt_1", domain.EventTypePaymentSettled, h.clk.Now(), map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 10000,
	})
	header := h.sign(body)
	tampered := h.payload(t, "evt_1", domain.EventTypePaymentSettled, h.clk.Now(), map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 99999,
	})

	err := h.svc.IngestWebhook(context.Background(), tampered, header)
	if !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if count := h.eventCount(t); count != 0 {
		t.Fatalf("rejected delivery left %d rows", count)
	}
	if status := h.quote(t, quote.ID).PaymentStatus; status != quotedomain.PaymentStatusUnpaid {
		t.Fatalf("rejected delivery moved the quote to %s", status)
	}
}

func TestUnknownEventTypeStoredAsIgnored(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	body := h.payload(t, "evt_odd", "payout.created", h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id": quote.ID.String(),
	})
	if err := h.deliver(t, body); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if event := h.event(t, "evt_odd"); event.ProcessingStatus != domain.StatusIgnored {
		t.Fatalf("expected ignored, got %s", event.ProcessingStatus)
	}
	if status := h.quote(t, quote.ID).PaymentStatus; status != quotedomain.PaymentStatusUnpaid {
		t.Fatalf("ignored event moved the quote to %s", status)
	}
	actions := h.audit.actions()
	if len(actions) != 1 || actions[0] != auditdomain.ActionEventIgnored {
		t.Fatalf("expected ignored audit entry, got %v", actions)
	}
}

func TestMalformedObjectRecordedAsFailure(t *testing.T) {
	h := newPipelineHarness(t)

	body := h.payload(t, "evt_bad", domain.EventTypePaymentSettled, h.clk.Now().Add(-time.Minute), map[string]any{
		"amount_total": 10000,
	})
	if err := h.deliver(t, body); err != nil {
		t.Fatalf("permanent failure should still acknowledge: %v", err)
	}

	event := h.event(t, "evt_bad")
	if event.ProcessingStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", event.ProcessingStatus)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != domain.ErrMalformedPayload.Error() {
		t.Fatalf("expected malformed payload error, got %v", event.ErrorMessage)
	}
	actions := h.audit.actions()
	if len(actions) != 1 || actions[0] != auditdomain.ActionEventFailed {
		t.Fatalf("expected failure audit entry, got %v", actions)
	}
}

func TestUnknownQuoteRecordedAsFailure(t *testing.T) {
	h := newPipelineHarness(t)

	body := h.payload(t, "evt_orphan", domain.EventTypePaymentSettled, h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id":     h.node.Generate().String(),
		"amount_total": 10000,
	})
	if err := h.deliver(t, body); err != nil {
		t.Fatalf("permanent failure should still acknowledge: %v", err)
	}

	event := h.event(t, "evt_orphan")
	if event.ProcessingStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", event.ProcessingStatus)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != domain.ErrUnknownResource.Error() {
		t.Fatalf("expected unknown resource error, got %v", event.ErrorMessage)
	}
}

func TestInvalidEnvelopeRejectedBeforeStorage(t *testing.T) {
	h := newPipelineHarness(t)

	for name, body := range map[string][]byte{
		"not json":     []byte("not-json"),
		"missing id":   []byte(`{"type":"payment.settled","created":1717000000,"data":{"object":{}}}`),
		"missing type": []byte(`{"id":"evt_1","created":1717000000,"data":{"object":{}}}`),
		"zero created": []byte(`{"id":"evt_1","type":"payment.settled","data":{"object":{}}}`),
	} {
		err := h.svc.IngestWebhook(context.Background(), body, h.sign(body))
		if !errors.Is(err, domain.ErrInvalidEnvelope) {
			t.Fatalf("%s: expected envelope error, got %v", name, err)
		}
	}
	if count := h.eventCount(t); count != 0 {
		t.Fatalf("rejected envelopes left %d rows", count)
	}
}

func TestPartialThenFullSettlement(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	partial := h.payload(t, "evt_partial", domain.EventTypePaymentPartiallySettled, h.clk.Now().Add(-2*time.Minute), map[string]any{
		"quote_id":    quote.ID.String(),
		"amount_paid": 4000,
	})
	if err := h.deliver(t, partial); err != nil {
		t.Fatalf("ingest partial: %v", err)
	}

	updated := h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusPartiallyPaid || updated.AmountPaid != 4000 {
		t.Fatalf("unexpected quote after partial settlement: %+v", updated)
	}

	full := h.payload(t, "evt_full", domain.EventTypePaymentSettled, h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id":     quote.ID.String(),
		"amount_total": 10000,
	})
	if err := h.deliver(t, full); err != nil {
		t.Fatalf("ingest full: %v", err)
	}

	updated = h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusPaid || updated.AmountPaid != 10000 {
		t.Fatalf("unexpected quote after full settlement: %+v", updated)
	}
}

func TestMetadataOnlyEventLeavesStatusAlone(t *testing.T) {
	h := newPipelineHarness(t)
	quote := h.createQuote(t, 10000)

	viewed := h.payload(t, "evt_viewed", domain.EventTypeInvoiceViewed, h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id": quote.ID.String(),
	})
	if err := h.deliver(t, viewed); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	updated := h.quote(t, quote.ID)
	if updated.PaymentStatus != quotedomain.PaymentStatusUnpaid {
		t.Fatalf("metadata-only event moved the quote to %s", updated.PaymentStatus)
	}
	if updated.LastPaymentEventAt != nil {
		t.Fatalf("metadata-only event advanced the ordering watermark: %v", updated.LastPaymentEventAt)
	}

	var metadata map[string]any
	if err := json.Unmarshal(updated.PaymentMetadata, &metadata); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if metadata["invoice_viewed_at"] == nil {
		t.Fatalf("expected invoice_viewed_at in metadata, got %v", metadata)
	}

	if event := h.event(t, "evt_viewed"); event.ProcessingStatus != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", event.ProcessingStatus)
	}
	// No status transition, so no status audit entry either.
	if actions := h.audit.actions(); len(actions) != 0 {
		t.Fatalf("expected no audit entries, got %v", actions)
	}
}

func TestRedeliveryOfFailedEventPastBudgetIsAcknowledged(t *testing.T) {
	h := newPipelineHarness(t)

	body := h.payload(t, "evt_exhausted", domain.EventTypePaymentSettled, h.clk.Now().Add(-time.Minute), map[string]any{
		"quote_id":     h.node.Generate().String(),
		"amount_total": 10000,
	})

	maxRetries := config.DefaultPipelinePolicy().Sweep.MaxRetries

	// The first delivery is the initial attempt and does not consume the
	// retry budget.
	if err := h.deliver(t, body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if rc := h.event(t, "evt_exhausted").RetryCount; rc != 0 {
		t.Fatalf("expected retry count 0 after first attempt, got %d", rc)
	}

	for i := 0; i < maxRetries; i++ {
		if err := h.deliver(t, body); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}

	event := h.event(t, "evt_exhausted")
	if event.ProcessingStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", event.ProcessingStatus)
	}
	if event.RetryCount != maxRetries {
		t.Fatalf("expected retry count %d, got %d", maxRetries, event.RetryCount)
	}

	// Budget reached: further redeliveries are acknowledged without another
	// processing attempt.
	before := event.RetryCount
	if err := h.deliver(t, body); err != nil {
		t.Fatalf("post-budget delivery: %v", err)
	}
	if after := h.event(t, "evt_exhausted").RetryCount; after != before {
		t.Fatalf("post-budget delivery reprocessed the event: %d -> %d", before, after)
	}
}
