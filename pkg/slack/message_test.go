package slack

import (
	"strings"
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/models"
)

func sectionText(t *testing.T, b goslack.Block) string {
	t.Helper()
	section, ok := b.(*goslack.SectionBlock)
	require.True(t, ok, "expected section block")
	return section.Text.Text
}

func TestBuildEscalationMessage(t *testing.T) {
	esc := &models.Escalation{
		ID:       "e1",
		Type:     models.EscalationAuthRequired,
		Priority: models.EscalationCritical,
		Title:    "Agent a1 needs github authentication",
		AgentID:  "a1",
	}

	blocks := BuildEscalationMessage(esc, "https://dash.example.com")
	require.Len(t, blocks, 2)

	text := sectionText(t, blocks[0])
	assert.Contains(t, text, ":rotating_light:")
	assert.Contains(t, text, "Authentication Required")
	assert.Contains(t, text, "critical")
	assert.Contains(t, text, "`a1`")

	action, ok := blocks[1].(*goslack.ActionBlock)
	require.True(t, ok)
	btn := action.Elements.ElementSet[0].(*goslack.ButtonBlockElement)
	assert.Equal(t, "https://dash.example.com/escalations/e1", btn.URL)
}

func TestBuildEscalationMessageNoDashboard(t *testing.T) {
	blocks := BuildEscalationMessage(&models.Escalation{
		ID:       "e1",
		Type:     models.EscalationAgentError,
		Priority: models.EscalationHigh,
		Title:    "Agent a1 reported a fatal error",
	}, "")
	require.Len(t, blocks, 1)
}

func TestTruncateForSlack(t *testing.T) {
	long := strings.Repeat("x", maxBlockTextLength+100)
	out := truncateForSlack(long)
	assert.Less(t, len(out), len(long))
	assert.Contains(t, out, "truncated")

	short := "short message"
	assert.Equal(t, short, truncateForSlack(short))
}
