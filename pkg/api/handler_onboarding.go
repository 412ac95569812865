package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/foreman/pkg/models"
)

// handleGetOnboarding returns the project's onboarding document. The
// blob is opaque to the core; the dashboard owns its schema.
func (s *Server) handleGetOnboarding(c *gin.Context) {
	cfg, err := s.deps.Store.GetOnboarding(c.Request.Context(), s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSetOnboarding(c *gin.Context) {
	var cfg map[string]any
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Store.SetOnboarding(c.Request.Context(), s.projectID(), cfg); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleZones(c *gin.Context) {
	project, err := s.deps.Store.GetProject(c.Request.Context(), s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	zoneConfig := project.ZoneConfig
	if zoneConfig == nil {
		zoneConfig = &models.ProjectZoneConfig{
			Zones:         []models.ZoneDefinition{},
			DefaultPolicy: models.ZonePolicyAllow,
		}
	}
	c.JSON(http.StatusOK, zoneConfig)
}
