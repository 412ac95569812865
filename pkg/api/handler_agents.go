package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
)

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.deps.Store.ListAgents(c.Request.Context(), s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

type registerAgentRequest struct {
	ID           string               `json:"id"`
	Name         string               `json:"name" binding:"required"`
	Provider     models.AgentProvider `json:"provider"`
	Model        string               `json:"model"`
	Capabilities []string             `json:"capabilities"`
	CostPerToken models.CostPerToken  `json:"costPerToken"`
	Metadata     map[string]any       `json:"metadata"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	agent := &models.AgentProfile{
		ID:           req.ID,
		ProjectID:    s.projectID(),
		Name:         req.Name,
		Provider:     req.Provider,
		Model:        req.Model,
		Capabilities: req.Capabilities,
		CostPerToken: req.CostPerToken,
		Metadata:     req.Metadata,
	}
	if err := s.deps.Store.RegisterAgent(c.Request.Context(), agent); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.deps.Store.RecordHeartbeat(c.Request.Context(), c.Param("id"), time.Now().UTC()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRemoveAgent(c *gin.Context) {
	if err := s.deps.Store.RemoveAgent(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
