package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	"github.com/quotely/quotely/pkg/db/pagination"
)

type listWebhookEventsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	EventType string `form:"event_type"`
	Status    string `form:"status"`
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	var query listWebhookEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := strings.TrimSpace(query.Status)
	if status != "" && !webhookdomain.ValidStatus(status) {
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	events, pageInfo, err := s.webhookSvc.ListEvents(c.Request.Context(), webhookdomain.EventFilter{
		EventType: strings.TrimSpace(query.EventType),
		Status:    status,
	}, pagination.Pagination{
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhook_events":  toWebhookEventViews(events),
		"next_page_token": pageInfo.NextPageToken,
		"has_more":        pageInfo.HasMore,
	})
}

func (s *Server) GetWebhookEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("event_id"))
	if eventID == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	event, err := s.webhookSvc.GetEvent(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toWebhookEventView(*event))
}

type webhookEventView struct {
	ID           string  `json:"id"`
	EventID      string  `json:"event_id"`
	EventType    string  `json:"event_type"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
	RetryCount   int     `json:"retry_count"`
	QuoteID      *string `json:"quote_id,omitempty"`
	OccurredAt   string  `json:"occurred_at"`
	ReceivedAt   string  `json:"received_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toWebhookEventView(e webhookdomain.EventRecord) webhookEventView {
	view := webhookEventView{
		ID:           e.ID.String(),
		EventID:      e.EventID,
		EventType:    e.EventType,
		Status:       e.ProcessingStatus,
		ErrorMessage: e.ErrorMessage,
		RetryCount:   e.RetryCount,
		OccurredAt:   e.OccurredAt.UTC().Format(time.RFC3339Nano),
		ReceivedAt:   e.ReceivedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.QuoteID != nil {
		quoteID := e.QuoteID.String()
		view.QuoteID = &quoteID
	}
	return view
}

func toWebhookEventViews(events []webhookdomain.EventRecord) []webhookEventView {
	views := make([]webhookEventView, 0, len(events))
	for _, e := range events {
		views = append(views, toWebhookEventView(e))
	}
	return views
}
