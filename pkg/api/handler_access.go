package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

func (s *Server) handleListAccessRequests(c *gin.Context) {
	status := models.AccessRequestStatus(c.Query("status"))
	requests, err := s.deps.Store.ListAccessRequests(c.Request.Context(), s.projectID(), status)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

type accessRequestAction struct {
	Action      string `json:"action" binding:"required"`
	RequestID   string `json:"requestId"`
	AgentID     string `json:"agentId"`
	Path        string `json:"path"`
	Zone        string `json:"zone"`
	Reason      string `json:"reason"`
	ReviewedBy  string `json:"reviewedBy"`
	MaxAgeHours int    `json:"maxAgeHours"`
}

func (s *Server) handleAccessRequestAction(c *gin.Context) {
	var req accessRequestAction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	switch req.Action {
	case "create":
		r := &models.AccessRequest{
			ID:        uuid.NewString(),
			ProjectID: s.projectID(),
			AgentID:   req.AgentID,
			Path:      req.Path,
			Zone:      req.Zone,
			Reason:    req.Reason,
		}
		if err := s.deps.Store.CreateAccessRequest(ctx, r); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, r)

	case "approve", "deny":
		status := models.AccessRequestApproved
		if req.Action == "deny" {
			status = models.AccessRequestDenied
		}
		updated, err := s.reviewAccessRequest(c, req.RequestID, status, req.ReviewedBy)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)

	case "expire_old":
		maxAge := 24 * time.Hour
		if req.MaxAgeHours > 0 {
			maxAge = time.Duration(req.MaxAgeHours) * time.Hour
		}
		expired, err := s.deps.Store.ExpireOldAccessRequests(ctx, s.projectID(), time.Now().UTC().Add(-maxAge))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "expired": expired})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
	}
}

// reviewAccessRequest applies a human verdict to a pending request.
// Requests that are no longer pending conflict.
func (s *Server) reviewAccessRequest(c *gin.Context, id string, status models.AccessRequestStatus, reviewedBy string) (*models.AccessRequest, error) {
	ctx := c.Request.Context()
	r, err := s.deps.Store.GetAccessRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.AccessRequestPending {
		return nil, fmt.Errorf("%w: access request %s is %s", store.ErrConflict, id, r.Status)
	}
	now := time.Now().UTC()
	r.Status = status
	r.ReviewedBy = reviewedBy
	r.ReviewedAt = &now
	if err := s.deps.Store.UpdateAccessRequest(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}
