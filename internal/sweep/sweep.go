package sweep

import (
	"context"
	"errors"
	"time"

	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	auditcontext "github.com/quotely/quotely/internal/auditcontext"
	"github.com/quotely/quotely/internal/clock"
	"github.com/quotely/quotely/internal/config"
	obsmetrics "github.com/quotely/quotely/internal/observability/metrics"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKey = "quotely:sweep:webhook_events"

// Sweeper re-drives webhook events left in pending or processing by a crash
// or timeout. Whether a stuck event is retried or only flagged for an
// operator is policy, not code: both have real risk, so it ships
// configurable and hot-reloadable.
type Sweeper struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	policyHolder *config.PipelinePolicyHolder
	repo         webhookdomain.Repository
	webhookSvc   webhookdomain.Service
	auditSvc     auditdomain.Service
	locker       *Locker
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	PolicyHolder *config.PipelinePolicyHolder
	Repo         webhookdomain.Repository
	WebhookSvc   webhookdomain.Service
	AuditSvc     auditdomain.Service
	Locker       *Locker `optional:"true"`
}

func New(p Params) *Sweeper {
	return &Sweeper{
		db:           p.DB,
		log:          p.Log.Named("sweep"),
		clock:        p.Clock,
		policyHolder: p.PolicyHolder,
		repo:         p.Repo,
		webhookSvc:   p.WebhookSvc,
		auditSvc:     p.AuditSvc,
		locker:       p.Locker,
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	for {
		interval := s.policyHolder.Get().Sweep.Interval

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if err := s.RunOnce(ctx); err != nil {
			obsmetrics.Sweep().RecordRunError()
			s.log.Warn("recovery sweep failed", zap.Error(err))
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) error {
	policy := s.policyHolder.Get().Sweep
	sweepMetrics := obsmetrics.Sweep()
	start := time.Now()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey, policy.Interval)
		if err != nil {
			// Redis being down should not stop recovery; run unlocked.
			s.log.Warn("sweep lock unavailable, running unlocked", zap.Error(err))
		} else if !ok {
			sweepMetrics.RecordLockSkip()
			return nil
		} else {
			defer func() { _ = s.locker.Release(ctx, lockKey, token) }()
		}
	}

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "sweep")

	cutoff := s.clock.Now().Add(-policy.Staleness)
	events, err := s.repo.FindStale(ctx, s.db, cutoff, policy.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range events {
		event := &events[i]

		switch {
		case policy.StuckEventPolicy == config.StuckEventPolicyFlag:
			jobErr = errors.Join(jobErr, s.flag(ctx, event, "stuck event held for operator review"))
		case event.RetryCount >= policy.MaxRetries:
			jobErr = errors.Join(jobErr, s.flag(ctx, event, "retry budget exhausted"))
		default:
			if err := s.retry(ctx, event); err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}
	}

	sweepMetrics.ObserveRun(time.Since(start))
	if len(events) > 0 {
		s.log.Info("recovery sweep finished",
			zap.Int("events", len(events)),
			zap.String("policy", policy.StuckEventPolicy),
		)
	}
	return jobErr
}

func (s *Sweeper) retry(ctx context.Context, event *webhookdomain.EventRecord) error {
	sweepMetrics := obsmetrics.Sweep()
	if err := s.webhookSvc.ReprocessEvent(ctx, event); err != nil {
		sweepMetrics.RecordAction(obsmetrics.SweepActionSkipped)
		s.log.Warn("sweep retry failed",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return err
	}

	sweepMetrics.RecordAction(obsmetrics.SweepActionRetried)
	eventRef := event.EventID
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil,
		auditdomain.ActionEventSwept, auditdomain.TargetTypeWebhookEvent, &eventRef,
		map[string]any{
			"action":      "retried",
			"retry_count": event.RetryCount,
		})
	return nil
}

func (s *Sweeper) flag(ctx context.Context, event *webhookdomain.EventRecord, reason string) error {
	msg := reason
	if err := s.repo.MarkStatus(ctx, s.db, event.ID, webhookdomain.StatusFailed, &msg, s.clock.Now()); err != nil {
		return err
	}

	obsmetrics.Sweep().RecordAction(obsmetrics.SweepActionFlagged)
	eventRef := event.EventID
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil,
		auditdomain.ActionEventSwept, auditdomain.TargetTypeWebhookEvent, &eventRef,
		map[string]any{
			"action": "flagged",
			"reason": reason,
		})
	s.log.Warn("stuck webhook event flagged",
		zap.String("event_id", event.EventID),
		zap.String("reason", reason),
	)
	return nil
}
