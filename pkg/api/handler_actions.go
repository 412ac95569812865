package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/observer"
)

type actionRequest struct {
	ActionType string         `json:"actionType" binding:"required"`
	ActionID   string         `json:"actionId"`
	Resolution string         `json:"resolution"`
	Data       map[string]any `json:"data"`
}

func (r actionRequest) dataString(key string) string {
	if r.Data == nil {
		return ""
	}
	if v, ok := r.Data[key].(string); ok {
		return v
	}
	return ""
}

// handleAction is the human control endpoint: escalation lifecycle
// transitions plus approved execution of recovery actions.
func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	userID := req.dataString("userId")

	switch req.ActionType {
	case "acknowledge":
		if _, err := s.deps.Escalations.Acknowledge(ctx, req.ActionID, userID); err != nil {
			s.respondError(c, err)
			return
		}
	case "resolve":
		if _, err := s.deps.Escalations.Resolve(ctx, req.ActionID, userID, req.Resolution); err != nil {
			s.respondError(c, err)
			return
		}
	case "snooze":
		until, err := snoozeUntil(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := s.deps.Escalations.Snooze(ctx, req.ActionID, until); err != nil {
			s.respondError(c, err)
			return
		}
	case "dismiss":
		if _, err := s.deps.Escalations.Dismiss(ctx, req.ActionID, userID); err != nil {
			s.respondError(c, err)
			return
		}
	case "escalate":
		if _, err := s.deps.Escalations.EscalateExternal(ctx, req.ActionID, userID); err != nil {
			s.respondError(c, err)
			return
		}

	case string(models.ActionPromptAgent),
		string(models.ActionRetryTask),
		string(models.ActionRestartAgent),
		string(models.ActionReassignTask),
		string(models.ActionCleanupLocks),
		string(models.ActionForceReleaseLock):
		if err := s.executeApproved(c, req); err != nil {
			return
		}

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown actionType %q", req.ActionType)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// executeApproved runs a recovery action with human approval already
// granted, so the autonomy gate does not apply. A non-nil return means
// the response has been written.
func (s *Server) executeApproved(c *gin.Context, req actionRequest) error {
	now := time.Now().UTC()
	decision := &models.Decision{
		ID: uuid.NewString(),
		TriggerEvent: models.DetectionEvent{
			AgentID:   req.dataString("agentId"),
			TaskID:    req.dataString("taskId"),
			Timestamp: now,
		},
		Action:        models.DecisionAutonomous,
		ActionType:    models.ActionType(req.ActionType),
		AutonomyLevel: models.AutonomyManual,
		Reason:        "approved via actions API",
		Status:        models.DecisionApproved,
		CreatedAt:     now,
	}

	params := make(map[string]string)
	for k, v := range req.Data {
		if str, ok := v.(string); ok {
			params[k] = str
		}
	}

	outcome, err := s.deps.Executor.Execute(c.Request.Context(), observer.ExecuteRequest{
		ProjectID: s.projectID(),
		Decision:  decision,
		Params:    params,
	})
	if outcome != models.OutcomeSuccess {
		msg := "action failed"
		if err != nil {
			msg = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
		return fmt.Errorf("action failed")
	}
	return nil
}

func snoozeUntil(req actionRequest) (time.Time, error) {
	if raw := req.dataString("snoozedUntil"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("snoozedUntil must be RFC3339: %w", err)
		}
		return until, nil
	}
	if minutes, ok := req.Data["minutes"].(float64); ok && minutes > 0 {
		return time.Now().UTC().Add(time.Duration(minutes) * time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("snooze requires snoozedUntil or minutes")
}

func (s *Server) handleActionLog(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.deps.Store.ListActionLog(c.Request.Context(), s.projectID(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": entries})
}

func (s *Server) handleListEscalations(c *gin.Context) {
	ctx := c.Request.Context()
	escalations, err := s.deps.Escalations.GetAll(ctx, s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	counts, err := s.deps.Escalations.GetCounts(ctx, s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escalations, "counts": counts})
}
