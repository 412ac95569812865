package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/foreman/pkg/queue"
	"github.com/agentfleet/foreman/pkg/sandbox"
	"github.com/agentfleet/foreman/pkg/store"
)

// statusFor maps service failures onto HTTP status codes. Unrecognized
// errors are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrZoneDenied):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrStaleLock):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"path", c.Request.URL.Path,
			"error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
