package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/foreman/pkg/models"
)

// taskCounters is the per-status task breakdown in the project summary.
type taskCounters struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

// agentCounters is the per-status agent breakdown in the project summary.
type agentCounters struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Working int `json:"working"`
	Blocked int `json:"blocked"`
	Offline int `json:"offline"`
}

type projectSummary struct {
	Project   *models.Project    `json:"project"`
	Tasks     taskCounters       `json:"tasks"`
	Agents    agentCounters      `json:"agents"`
	Budget    *models.Budget     `json:"budget,omitempty"`
	Conflicts []*models.FileLock `json:"conflicts"`
}

// handleProjectSummary serves the dashboard's top-line view. The summary
// always has its full shape; a store failure returns 500 with zeroed
// counters so the dashboard can render a degraded view.
func (s *Server) handleProjectSummary(c *gin.Context) {
	ctx := c.Request.Context()
	summary := projectSummary{Conflicts: []*models.FileLock{}}

	project, err := s.deps.Store.GetProject(ctx, s.projectID())
	if err != nil {
		s.logger.Error("Project summary unavailable", "error", err)
		c.JSON(http.StatusInternalServerError, summary)
		return
	}
	summary.Project = project
	summary.Budget = project.Budget

	tasks, err := s.deps.Store.ListTasks(ctx, project.ID, "")
	if err != nil {
		s.logger.Error("Project summary unavailable", "error", err)
		c.JSON(http.StatusInternalServerError, summary)
		return
	}
	summary.Tasks.Total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case models.TaskPending:
			summary.Tasks.Pending++
		case models.TaskClaimed:
			summary.Tasks.Claimed++
		case models.TaskInProgress:
			summary.Tasks.InProgress++
		case models.TaskCompleted:
			summary.Tasks.Completed++
		case models.TaskFailed:
			summary.Tasks.Failed++
		case models.TaskBlocked:
			summary.Tasks.Blocked++
		}
	}

	agents, err := s.deps.Store.ListAgents(ctx, project.ID)
	if err != nil {
		s.logger.Error("Project summary unavailable", "error", err)
		c.JSON(http.StatusInternalServerError, summary)
		return
	}
	summary.Agents.Total = len(agents)
	for _, a := range agents {
		switch a.Status {
		case models.AgentIdle:
			summary.Agents.Idle++
		case models.AgentWorking:
			summary.Agents.Working++
		case models.AgentBlocked:
			summary.Agents.Blocked++
		case models.AgentOffline:
			summary.Agents.Offline++
		}
	}

	if locks, err := s.deps.Store.ListActiveLocks(ctx, project.ID); err == nil {
		summary.Conflicts = locks
	}

	c.JSON(http.StatusOK, summary)
}
