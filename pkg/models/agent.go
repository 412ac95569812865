package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentProvider identifies which model provider backs an agent.
type AgentProvider string

// Agent provider constants.
const (
	ProviderAnthropic AgentProvider = "anthropic"
	ProviderGoogle    AgentProvider = "google"
	ProviderOpenAI    AgentProvider = "openai"
	ProviderMeta      AgentProvider = "meta"
	ProviderCustom    AgentProvider = "custom"
)

// AgentStatus is the coarse working state of an agent.
type AgentStatus string

// Agent status constants.
const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentOffline AgentStatus = "offline"
)

// CostPerToken is an agent's per-token pricing, split by direction.
// Values are non-negative decimals.
type CostPerToken struct {
	Input  decimal.Decimal `json:"input"`
	Output decimal.Decimal `json:"output"`
}

// EstimatedCost is the tie-break cost used by the capability matcher:
// input price + output price.
func (c CostPerToken) EstimatedCost() decimal.Decimal {
	return c.Input.Add(c.Output)
}

// AgentProfile is a registered coding agent. Status and LastHeartbeat
// mutate over the agent's life; the profile itself is destroyed only on
// explicit removal.
type AgentProfile struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Name         string         `json:"name"`
	Provider     AgentProvider  `json:"provider"`
	Model        string         `json:"model"`
	Capabilities []string       `json:"capabilities"`
	CostPerToken CostPerToken   `json:"costPerToken"`
	Status       AgentStatus    `json:"status"`
	LastHeartbeat *time.Time    `json:"lastHeartbeat,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// HasCapability reports whether the agent advertises the given capability.
func (a *AgentProfile) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Available reports whether the agent can be considered for new work.
// Offline and blocked agents are never candidates.
func (a *AgentProfile) Available() bool {
	return a.Status != AgentOffline && a.Status != AgentBlocked
}
