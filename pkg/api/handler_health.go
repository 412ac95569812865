package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports process liveness plus, when the Postgres engine
// is active, database connectivity and pool statistics.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}

	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := s.deps.Database.Health(ctx)
		resp["database"] = dbHealth
		if err != nil {
			resp["status"] = "degraded"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}
