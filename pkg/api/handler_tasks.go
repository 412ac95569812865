package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentfleet/foreman/pkg/models"
)

func (s *Server) handleListTasks(c *gin.Context) {
	status := models.TaskStatus(c.Query("status"))
	tasks, err := s.deps.Store.ListTasks(c.Request.Context(), s.projectID(), status)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type submitTaskRequest struct {
	Title        string              `json:"title" binding:"required"`
	Description  string              `json:"description"`
	Priority     models.TaskPriority `json:"priority"`
	Dependencies []string            `json:"dependencies"`
	Files        []string            `json:"files"`
	Tags         []string            `json:"tags"`
	Metadata     map[string]any      `json:"metadata"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := &models.Task{
		ID:           uuid.NewString(),
		ProjectID:    s.projectID(),
		Title:        req.Title,
		Description:  req.Description,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Files:        req.Files,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
	}
	if err := s.deps.Queue.Submit(c.Request.Context(), task); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

type claimTaskRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

func (s *Server) handleClaimTask(c *gin.Context) {
	var req claimTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.deps.Queue.Claim(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type taskStatusRequest struct {
	Status models.TaskStatus `json:"status" binding:"required"`
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	var req taskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.deps.Queue.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
