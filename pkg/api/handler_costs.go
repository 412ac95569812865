package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/agentfleet/foreman/pkg/ledger"
	"github.com/agentfleet/foreman/pkg/models"
)

type costsResponse struct {
	Events     []*models.CostEvent        `json:"events"`
	Budget     *models.Budget             `json:"budget,omitempty"`
	ByAgent    map[string]decimal.Decimal `json:"byAgent"`
	DailySpend []ledger.DailySpend        `json:"dailySpend"`
	TotalSpend decimal.Decimal            `json:"totalSpend"`
}

func (s *Server) handleCosts(c *gin.Context) {
	ctx := c.Request.Context()

	summary, err := s.deps.Ledger.Summarize(ctx, s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	costEvents, err := s.deps.Store.ListCostEvents(ctx, s.projectID())
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := costsResponse{
		Events:     costEvents,
		ByAgent:    summary.ByAgent,
		DailySpend: summary.DailySpend,
		TotalSpend: summary.Total,
	}
	if project, err := s.deps.Store.GetProject(ctx, s.projectID()); err == nil {
		resp.Budget = project.Budget
	}
	c.JSON(http.StatusOK, resp)
}
