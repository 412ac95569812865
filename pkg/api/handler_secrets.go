package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// Secret values never leave the server: list reports names only, and
// writes persist ciphertext into the onboarding document so a restart
// can re-import them.

func (s *Server) handleListSecrets(c *gin.Context) {
	if s.deps.Vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secrets vault locked, no master key configured"})
		return
	}
	names := s.deps.Vault.Names()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"names": names})
}

type setSecretRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (s *Server) handleSetSecret(c *gin.Context) {
	if s.deps.Vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secrets vault locked, no master key configured"})
		return
	}
	var req setSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Vault.Set(c.Request.Context(), req.Name, req.Value); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.persistSealedSecrets(c); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeleteSecret(c *gin.Context) {
	if s.deps.Vault == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "secrets vault locked, no master key configured"})
		return
	}
	s.deps.Vault.Delete(c.Request.Context(), c.Param("name"))
	if err := s.persistSealedSecrets(c); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// persistSealedSecrets writes the vault's ciphertext export into the
// onboarding document, preserving the rest of the blob.
func (s *Server) persistSealedSecrets(c *gin.Context) error {
	ctx := c.Request.Context()
	cfg, err := s.deps.Store.GetOnboarding(ctx, s.projectID())
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = make(map[string]any)
	}
	cfg["secrets"] = s.deps.Vault.Export()
	return s.deps.Store.SetOnboarding(ctx, s.projectID(), cfg)
}
