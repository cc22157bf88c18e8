package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quotely/quotely/internal/audit"
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/config"
	"github.com/quotely/quotely/internal/observability"
	obsmiddleware "github.com/quotely/quotely/internal/observability/logger"
	obsmetrics "github.com/quotely/quotely/internal/observability/metrics"
	obstracing "github.com/quotely/quotely/internal/observability/tracing"
	"github.com/quotely/quotely/internal/quote"
	quoteservice "github.com/quotely/quotely/internal/quote/service"
	"github.com/quotely/quotely/internal/sweep"
	"github.com/quotely/quotely/internal/webhook"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	audit.Module,
	webhook.Module,
	quote.Module,
	sweep.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	webhookSvc webhookdomain.Service
	auditSvc   auditdomain.Service
	quoteSvc   *quoteservice.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	WebhookSvc webhookdomain.Service
	AuditSvc   auditdomain.Service
	QuoteSvc   *quoteservice.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		webhookSvc: p.WebhookSvc,
		auditSvc:   p.AuditSvc,
		quoteSvc:   p.QuoteSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Webhooks --------
	api.POST("/payments/webhook", s.HandlePaymentWebhook)

	// -------- Operator surface --------
	api.GET("/webhook-events", s.OperatorAuthRequired(), s.ListWebhookEvents)
	api.GET("/webhook-events/:event_id", s.OperatorAuthRequired(), s.GetWebhookEvent)
	api.GET("/audit-logs", s.OperatorAuthRequired(), s.ListAuditLogs)
	api.GET("/quotes/:id", s.OperatorAuthRequired(), s.GetQuoteByID)
}
