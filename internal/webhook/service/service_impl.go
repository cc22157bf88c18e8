package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/clock"
	"github.com/quotely/quotely/internal/config"
	obsmetrics "github.com/quotely/quotely/internal/observability/metrics"
	quotedomain "github.com/quotely/quotely/internal/quote/domain"
	"github.com/quotely/quotely/internal/webhook/domain"
	"github.com/quotely/quotely/internal/webhook/signature"
	"github.com/quotely/quotely/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeCompleted = "completed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeStale     = "stale"
	outcomeFailed    = "failed"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Cfg          config.Config
	Clock        clock.Clock
	Repo         domain.Repository
	QuoteRepo    quotedomain.Repository
	Verifier     *signature.Verifier
	AuditSvc     auditdomain.Service
	PolicyHolder *config.PipelinePolicyHolder
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	repo           domain.Repository
	verifier       *signature.Verifier
	auditSvc       auditdomain.Service
	policyHolder   *config.PipelinePolicyHolder
	obsMetrics     *obsmetrics.Metrics
	reconciler     *Reconciler
	processTimeout time.Duration
}

func NewService(p Params) domain.Service {
	timeout := p.Cfg.WebhookProcessTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("webhook.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		verifier:       p.Verifier,
		auditSvc:       p.AuditSvc,
		policyHolder:   p.PolicyHolder,
		obsMetrics:     p.ObsMetrics,
		reconciler:     NewReconciler(p.DB, p.Log, p.QuoteRepo, p.ObsMetrics),
		processTimeout: timeout,
	}
}

// IngestWebhook runs the full pipeline for one delivery: verify, store
// if new, route, reconcile, mark terminal.
//
// The returned error decides the HTTP response: signature and envelope
// errors reject before any durable write, everything else that is permanent
// is recorded against the stored event and reported as success so the
// sender stops retrying. Only transient failures propagate.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		s.obsMetrics.RecordSignatureFailure(ctx, err.Error())
		return err
	}

	env, err := domain.ParseEnvelope(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.processTimeout)
	defer cancel()

	now := s.clock.Now()
	record := domain.EventRecord{
		ID:               s.genID.Generate(),
		EventID:          env.ID,
		EventType:        env.Type,
		Payload:          datatypes.JSON(payload),
		OccurredAt:       env.OccurredAt(),
		ReceivedAt:       now,
		ProcessingStatus: domain.StatusPending,
		UpdatedAt:        now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &record)
	if err != nil {
		return err
	}

	stored := &record
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, env.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			// Conflict fired but the row is not visible yet; transient.
			return errors.New("event row not visible after conflict")
		}

		switch stored.ProcessingStatus {
		case domain.StatusCompleted, domain.StatusIgnored:
			s.recordOutcome(ctx, env.Type, outcomeDuplicate)
			s.log.Debug("duplicate delivery acknowledged",
				zap.String("event_id", env.ID),
				zap.String("status", stored.ProcessingStatus),
			)
			return nil
		case domain.StatusProcessing:
			// Another worker (or a crashed run) owns this row. Acknowledge
			// and let the recovery sweep decide its fate.
			s.recordOutcome(ctx, env.Type, outcomeDuplicate)
			s.log.Warn("duplicate delivery for in-flight event", zap.String("event_id", env.ID))
			return nil
		case domain.StatusFailed:
			if stored.RetryCount >= s.policyHolder.Get().Sweep.MaxRetries {
				s.recordOutcome(ctx, env.Type, outcomeDuplicate)
				s.log.Warn("redelivery of failed event past retry budget", zap.String("event_id", env.ID))
				return nil
			}
		}
		// pending or retryable failed rows fall through to reprocessing.
	}

	return s.processEvent(ctx, stored, env)
}

// ReprocessEvent re-runs routing and reconciliation for a stored event. The
// payload was validated on first receipt, but a corrupted row still fails
// permanently rather than looping forever.
func (s *Service) ReprocessEvent(ctx context.Context, stored *domain.EventRecord) error {
	env, err := domain.ParseEnvelope([]byte(stored.Payload))
	if err != nil {
		return s.finishFailed(ctx, stored, &domain.Envelope{ID: stored.EventID, Type: stored.EventType}, domain.ErrMalformedPayload)
	}
	return s.processEvent(ctx, stored, env)
}

func (s *Service) processEvent(ctx context.Context, stored *domain.EventRecord, env *domain.Envelope) error {
	if err := s.repo.MarkProcessing(ctx, s.db, stored.ID, s.clock.Now()); err != nil {
		return err
	}

	transition, known := Route(env.Type)
	if !known {
		return s.finishIgnored(ctx, stored, env)
	}

	obj, err := env.Object()
	if err != nil {
		return s.finishFailed(ctx, stored, env, domain.ErrMalformedPayload)
	}
	quoteID, err := snowflake.ParseString(obj.QuoteID)
	if err != nil || quoteID == 0 {
		return s.finishFailed(ctx, stored, env, domain.ErrMalformedPayload)
	}
	if err := s.repo.SetQuoteID(ctx, s.db, stored.ID, quoteID); err != nil {
		return err
	}

	err = s.reconciler.Apply(ctx, quoteID, transition, env, obj)
	switch {
	case err == nil:
		return s.finishCompleted(ctx, stored, env, quoteID, transition)
	case errors.Is(err, domain.ErrStaleEvent):
		return s.finishStale(ctx, stored, env, quoteID)
	case errors.Is(err, domain.ErrUnknownResource):
		return s.finishFailed(ctx, stored, env, domain.ErrUnknownResource)
	default:
		// Transient: leave the row in processing for the sweep and let the
		// sender retry.
		return err
	}
}

func (s *Service) finishCompleted(ctx context.Context, stored *domain.EventRecord, env *domain.Envelope, quoteID snowflake.ID, transition Transition) error {
	if err := s.repo.MarkStatus(ctx, s.db, stored.ID, domain.StatusCompleted, nil, s.clock.Now()); err != nil {
		return err
	}

	s.recordOutcome(ctx, env.Type, outcomeCompleted)
	if !transition.MetadataOnly {
		quoteRef := quoteID.String()
		_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypePipeline), nil,
			auditdomain.ActionStatusApplied, auditdomain.TargetTypeQuote, &quoteRef,
			map[string]any{
				"event_id":   env.ID,
				"event_type": env.Type,
				"status":     transition.TargetStatus,
			})
	}
	s.log.Info("webhook event completed",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
		zap.String("quote_id", quoteID.String()),
	)
	return nil
}

func (s *Service) finishStale(ctx context.Context, stored *domain.EventRecord, env *domain.Envelope, quoteID snowflake.ID) error {
	if err := s.repo.MarkStatus(ctx, s.db, stored.ID, domain.StatusCompleted, nil, s.clock.Now()); err != nil {
		return err
	}

	s.recordOutcome(ctx, env.Type, outcomeStale)
	quoteRef := quoteID.String()
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypePipeline), nil,
		auditdomain.ActionEventStale, auditdomain.TargetTypeQuote, &quoteRef,
		map[string]any{
			"event_id":   env.ID,
			"event_type": env.Type,
		})
	s.log.Info("stale event discarded by ordering rule",
		zap.String("event_id", env.ID),
		zap.String("quote_id", quoteID.String()),
	)
	return nil
}

func (s *Service) finishIgnored(ctx context.Context, stored *domain.EventRecord, env *domain.Envelope) error {
	if err := s.repo.MarkStatus(ctx, s.db, stored.ID, domain.StatusIgnored, nil, s.clock.Now()); err != nil {
		return err
	}

	s.recordOutcome(ctx, env.Type, outcomeIgnored)
	eventRef := env.ID
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypePipeline), nil,
		auditdomain.ActionEventIgnored, auditdomain.TargetTypeWebhookEvent, &eventRef,
		map[string]any{"event_type": env.Type})
	s.log.Info("unhandled event type stored as ignored",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
	)
	return nil
}

// finishFailed records a permanent failure. The sender still gets a 200:
// retrying a malformed payload or a missing quote will never succeed, so
// the failure lives in the audit trail instead of the retry loop.
func (s *Service) finishFailed(ctx context.Context, stored *domain.EventRecord, env *domain.Envelope, cause error) error {
	msg := cause.Error()
	if err := s.repo.MarkStatus(ctx, s.db, stored.ID, domain.StatusFailed, &msg, s.clock.Now()); err != nil {
		return err
	}

	s.recordOutcome(ctx, env.Type, outcomeFailed)
	eventRef := env.ID
	_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypePipeline), nil,
		auditdomain.ActionEventFailed, auditdomain.TargetTypeWebhookEvent, &eventRef,
		map[string]any{
			"event_type": env.Type,
			"error":      msg,
		})
	s.log.Warn("webhook event permanently failed",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
		zap.String("error", msg),
	)
	return nil
}

func (s *Service) recordOutcome(ctx context.Context, eventType, outcome string) {
	s.obsMetrics.RecordWebhookEvent(ctx, eventType, outcome)
}

func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter, p pagination.Pagination) ([]domain.EventRecord, pagination.PageInfo, error) {
	return s.repo.ListEvents(ctx, s.db, filter, p)
}

func (s *Service) GetEvent(ctx context.Context, eventID string) (*domain.EventRecord, error) {
	event, err := s.repo.FindEvent(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}
