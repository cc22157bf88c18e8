package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/auditcontext"
)

// OperatorAuthRequired gates the audit and event inspection endpoints behind
// a static bearer token. Missing configuration closes the surface entirely.
func (s *Server) OperatorAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.OperatorAPIToken
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		presented := strings.TrimSpace(c.GetHeader("Authorization"))
		presented = strings.TrimPrefix(presented, "Bearer ")
		if presented == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeOperator), "operator")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
