package match

import (
	"github.com/agentfleet/foreman/pkg/models"
)

// CapabilityScore is the result of scoring one agent against a required
// capability set.
type CapabilityScore struct {
	AgentID string   `json:"agentId"`
	Score   float64  `json:"score"`
	Matched []string `json:"matched"`
	Missing []string `json:"missing"`
}

// ScoreCapabilityMatch computes |matched| / |required|. An empty
// requirement set scores a perfect 1.0.
func ScoreCapabilityMatch(agent *models.AgentProfile, required []string) CapabilityScore {
	score := CapabilityScore{AgentID: agent.ID}

	if len(required) == 0 {
		score.Score = 1.0
		return score
	}

	for _, cap := range required {
		if agent.HasCapability(cap) {
			score.Matched = append(score.Matched, cap)
		} else {
			score.Missing = append(score.Missing, cap)
		}
	}
	score.Score = float64(len(score.Matched)) / float64(len(required))
	return score
}

// FindBestAgentOptions tunes candidate filtering.
type FindBestAgentOptions struct {
	// ExcludeAgentIDs removes specific agents from consideration, e.g. the
	// previous assignee during reassignment.
	ExcludeAgentIDs []string

	// MinScore drops candidates scoring below it. Zero keeps everyone.
	MinScore float64
}

// BestAgent is a selected agent with its score.
type BestAgent struct {
	Agent *models.AgentProfile
	Score float64
}

// FindBestAgent picks the available agent with the highest capability
// score. Ties break on lower estimated cost (input + output price), then
// on lexicographic agent id. Returns nil when no candidate remains.
func FindBestAgent(agents []*models.AgentProfile, required []string, opts FindBestAgentOptions) *BestAgent {
	excluded := make(map[string]bool, len(opts.ExcludeAgentIDs))
	for _, id := range opts.ExcludeAgentIDs {
		excluded[id] = true
	}

	var best *BestAgent
	for _, agent := range agents {
		if !agent.Available() || excluded[agent.ID] {
			continue
		}
		score := ScoreCapabilityMatch(agent, required).Score
		if score < opts.MinScore {
			continue
		}
		if best == nil || better(agent, score, best) {
			best = &BestAgent{Agent: agent, Score: score}
		}
	}
	return best
}

// better reports whether (agent, score) beats the current best.
func better(agent *models.AgentProfile, score float64, best *BestAgent) bool {
	if score != best.Score {
		return score > best.Score
	}
	costCmp := agent.CostPerToken.EstimatedCost().Cmp(best.Agent.CostPerToken.EstimatedCost())
	if costCmp != 0 {
		return costCmp < 0
	}
	return agent.ID < best.Agent.ID
}
