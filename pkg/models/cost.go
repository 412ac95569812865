package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostEvent is one append-only record of model spend attributed to a
// project, agent, and task.
type CostEvent struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	AgentID      string          `json:"agentId"`
	TaskID       string          `json:"taskId,omitempty"`
	Model        string          `json:"model"`
	TokensInput  int64           `json:"tokensInput"`
	TokensOutput int64           `json:"tokensOutput"`
	Cost         decimal.Decimal `json:"cost"`
	CreatedAt    time.Time       `json:"createdAt"`
}
