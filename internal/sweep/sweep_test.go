package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/clock"
	"github.com/quotely/quotely/internal/config"
	quotedomain "github.com/quotely/quotely/internal/quote/domain"
	quoterepository "github.com/quotely/quotely/internal/quote/repository"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	webhookrepository "github.com/quotely/quotely/internal/webhook/repository"
	webhookservice "github.com/quotely/quotely/internal/webhook/service"
	"github.com/quotely/quotely/internal/webhook/signature"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type auditRecorder struct {
	entries []string
}

func (a *auditRecorder) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	a.entries = append(a.entries, action)
	return nil
}

func (a *auditRecorder) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type sweepHarness struct {
	db      *gorm.DB
	sweeper *Sweeper
	clk     *clock.FakeClock
	node    *snowflake.Node
	audit   *auditRecorder
	repo    webhookdomain.Repository
}

func newSweepHarness(t *testing.T, policy config.PipelinePolicy, locker *Locker) *sweepHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&webhookdomain.EventRecord{}, &quotedomain.Quote{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{Environment: "test", WebhookAllowUnsigned: true}
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	node, _ := snowflake.NewNode(1)
	recorder := &auditRecorder{}
	repo := webhookrepository.Provide()
	holder := config.NewStaticPipelinePolicyHolder(policy)

	webhookSvc := webhookservice.NewService(webhookservice.Params{
		DB:           db,
		Log:          log,
		GenID:        node,
		Cfg:          cfg,
		Clock:        clk,
		Repo:         repo,
		QuoteRepo:    quoterepository.Provide(),
		Verifier:     signature.New(cfg, clk, log),
		AuditSvc:     recorder,
		PolicyHolder: holder,
	})

	sweeper := New(Params{
		DB:           db,
		Log:          log,
		Clock:        clk,
		PolicyHolder: holder,
		Repo:         repo,
		WebhookSvc:   webhookSvc,
		AuditSvc:     recorder,
		Locker:       locker,
	})

	return &sweepHarness{db: db, sweeper: sweeper, clk: clk, node: node, audit: recorder, repo: repo}
}

func (h *sweepHarness) createQuote(t *testing.T, amountTotal int64) quotedomain.Quote {
	t.Helper()
	quote := quotedomain.Quote{
		ID:            h.node.Generate(),
		QuoteNumber:   fmt.Sprintf("Q-%d", h.node.Generate()),
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

// createStuckEvent stores an event abandoned mid-flight: status processing,
// last touched an hour ago.
func (h *sweepHarness) createStuckEvent(t *testing.T, eventID string, quoteID snowflake.ID, retryCount int) webhookdomain.EventRecord {
	t.Helper()

	occurred := h.clk.Now().Add(-2 * time.Hour)
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    webhookdomain.EventTypePaymentSettled,
		"created": occurred.Unix(),
		"data": map[string]any{"object": map[string]any{
			"quote_id":     quoteID.String(),
			"amount_total": 10000,
		}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	stuckAt := h.clk.Now().Add(-time.Hour)
	event := webhookdomain.EventRecord{
		ID:               h.node.Generate(),
		EventID:          eventID,
		EventType:        webhookdomain.EventTypePaymentSettled,
		Payload:          payload,
		OccurredAt:       occurred,
		ReceivedAt:       stuckAt,
		ProcessingStatus: webhookdomain.StatusProcessing,
		RetryCount:       retryCount,
		UpdatedAt:        stuckAt,
	}
	if err := h.db.Create(&event).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}
	return event
}

func (h *sweepHarness) event(t *testing.T, eventID string) webhookdomain.EventRecord {
	t.Helper()
	var event webhookdomain.EventRecord
	if err := h.db.First(&event, "event_id = ?", eventID).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	return event
}

func TestSweepRetriesStuckEvent(t *testing.T) {
	h := newSweepHarness(t, config.DefaultPipelinePolicy(), nil)
	quote := h.createQuote(t, 10000)
	h.createStuckEvent(t, "evt_stuck", quote.ID, 1)

	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if event := h.event(t, "evt_stuck"); event.ProcessingStatus != webhookdomain.StatusCompleted {
		t.Fatalf("expected stuck event completed after sweep, got %s", event.ProcessingStatus)
	}

	var updated quotedomain.Quote
	if err := h.db.First(&updated, "id = ?", quote.ID).Error; err != nil {
		t.Fatalf("load quote: %v", err)
	}
	if updated.PaymentStatus != quotedomain.PaymentStatusPaid {
		t.Fatalf("expected paid after sweep retry, got %s", updated.PaymentStatus)
	}

	found := false
	for _, action := range h.audit.entries {
		if action == auditdomain.ActionEventSwept {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a swept audit entry, got %v", h.audit.entries)
	}
}

func TestSweepFlagsWhenPolicyIsFlag(t *testing.T) {
	policy := config.DefaultPipelinePolicy()
	policy.Sweep.StuckEventPolicy = config.StuckEventPolicyFlag

	h := newSweepHarness(t, policy, nil)
	quote := h.createQuote(t, 10000)
	h.createStuckEvent(t, "evt_stuck", quote.ID, 0)

	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	event := h.event(t, "evt_stuck")
	if event.ProcessingStatus != webhookdomain.StatusFailed {
		t.Fatalf("expected flagged event failed, got %s", event.ProcessingStatus)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != "stuck event held for operator review" {
		t.Fatalf("unexpected flag reason: %v", event.ErrorMessage)
	}

	var updated quotedomain.Quote
	if err := h.db.First(&updated, "id = ?", quote.ID).Error; err != nil {
		t.Fatalf("load quote: %v", err)
	}
	if updated.PaymentStatus != quotedomain.PaymentStatusUnpaid {
		t.Fatalf("flag policy must not touch the quote, got %s", updated.PaymentStatus)
	}
}

func TestSweepFlagsExhaustedRetryBudget(t *testing.T) {
	policy := config.DefaultPipelinePolicy()
	h := newSweepHarness(t, policy, nil)
	quote := h.createQuote(t, 10000)
	h.createStuckEvent(t, "evt_exhausted", quote.ID, policy.Sweep.MaxRetries)

	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	event := h.event(t, "evt_exhausted")
	if event.ProcessingStatus != webhookdomain.StatusFailed {
		t.Fatalf("expected failed, got %s", event.ProcessingStatus)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != "retry budget exhausted" {
		t.Fatalf("unexpected flag reason: %v", event.ErrorMessage)
	}
}

func TestSweepIgnoresFreshEvents(t *testing.T) {
	h := newSweepHarness(t, config.DefaultPipelinePolicy(), nil)
	quote := h.createQuote(t, 10000)

	event := h.createStuckEvent(t, "evt_fresh", quote.ID, 0)
	// Touch it just now so it is inside the staleness window.
	if err := h.db.Model(&webhookdomain.EventRecord{}).Where("id = ?", event.ID).
		Update("updated_at", h.clk.Now()).Error; err != nil {
		t.Fatalf("touch event: %v", err)
	}

	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := h.event(t, "evt_fresh"); got.ProcessingStatus != webhookdomain.StatusProcessing {
		t.Fatalf("fresh event should be untouched, got %s", got.ProcessingStatus)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(client)

	// Another instance already holds the lock.
	if err := mr.Set(lockKey, "other-instance"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	h := newSweepHarness(t, config.DefaultPipelinePolicy(), locker)
	quote := h.createQuote(t, 10000)
	h.createStuckEvent(t, "evt_stuck", quote.ID, 0)

	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep with held lock: %v", err)
	}
	if got := h.event(t, "evt_stuck"); got.ProcessingStatus != webhookdomain.StatusProcessing {
		t.Fatalf("locked-out sweep still processed events: %s", got.ProcessingStatus)
	}

	// Lock released: next run proceeds and releases its own token afterwards.
	mr.Del(lockKey)
	if err := h.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("sweep after release: %v", err)
	}
	if got := h.event(t, "evt_stuck"); got.ProcessingStatus != webhookdomain.StatusCompleted {
		t.Fatalf("expected completed after lock release, got %s", got.ProcessingStatus)
	}
	if mr.Exists(lockKey) {
		t.Fatal("sweep did not release its lock")
	}
}

func TestLockerReleaseIsTokenFenced(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, lockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired, ok=%v err=%v", ok, err)
	}

	// A stale holder must not delete the current owner's lock.
	if err := locker.Release(ctx, lockKey, "stale-token"); err != nil {
		t.Fatalf("release with stale token: %v", err)
	}
	if !mr.Exists(lockKey) {
		t.Fatal("stale token released a lock it did not own")
	}

	if err := locker.Release(ctx, lockKey, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(lockKey) {
		t.Fatal("owner release left the lock behind")
	}
}
