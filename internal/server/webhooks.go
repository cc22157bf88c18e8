package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quotely/quotely/internal/webhook/signature"
)

// HandlePaymentWebhook ingests a provider delivery. Duplicate, stale and
// permanently failed events still acknowledge with 200 so the provider stops
// redelivering; only transient faults surface as 5xx.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), payload, c.GetHeader(signature.Header))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
