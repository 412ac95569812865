package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/agentfleet/foreman/pkg/models"
)

const maxBlockTextLength = 2900

var priorityEmoji = map[models.EscalationPriority]string{
	models.EscalationCritical: ":rotating_light:",
	models.EscalationHigh:     ":warning:",
	models.EscalationNormal:   ":bell:",
	models.EscalationLow:      ":information_source:",
}

var typeLabel = map[models.EscalationType]string{
	models.EscalationAuthRequired:       "Authentication Required",
	models.EscalationMergeConflict:      "Merge Conflict",
	models.EscalationTaskReview:         "Task Needs Review",
	models.EscalationAgentError:         "Agent Error",
	models.EscalationBudgetExceeded:     "Budget Threshold Crossed",
	models.EscalationManualIntervention: "Manual Intervention",
}

func escalationURL(escalationID, dashboardURL string) string {
	return fmt.Sprintf("%s/escalations/%s", dashboardURL, escalationID)
}

// BuildEscalationMessage creates Block Kit blocks for an escalation
// notification.
func BuildEscalationMessage(esc *models.Escalation, dashboardURL string) []goslack.Block {
	emoji := priorityEmoji[esc.Priority]
	if emoji == "" {
		emoji = ":question:"
	}
	label := typeLabel[esc.Type]
	if label == "" {
		label = string(esc.Type)
	}

	headerText := fmt.Sprintf("%s *%s* (%s)\n%s", emoji, label, esc.Priority, truncateForSlack(esc.Title))
	if esc.AgentID != "" {
		headerText += fmt.Sprintf("\n*Agent:* `%s`", esc.AgentID)
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}

	if dashboardURL != "" {
		btn := goslack.NewButtonBlockElement("", "",
			goslack.NewTextBlockObject(goslack.PlainTextType, "View Escalation", false, false))
		btn.URL = escalationURL(esc.ID, dashboardURL)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}

	return blocks
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated — view details in dashboard)_"
}
