package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequiredCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		tags     []string
		metadata map[string]any
		want     []string
	}{
		{
			name: "requires tags only",
			tags: []string{"requires:typescript", "requires:testing", "frontend"},
			want: []string{"typescript", "testing"},
		},
		{
			name: "no requires tags",
			tags: []string{"frontend", "urgent"},
			want: nil,
		},
		{
			name:     "metadata list of any",
			tags:     []string{"requires:typescript"},
			metadata: map[string]any{"requiredCapabilities": []any{"react", "typescript"}},
			want:     []string{"typescript", "react"},
		},
		{
			name:     "metadata string slice",
			metadata: map[string]any{"requiredCapabilities": []string{"go"}},
			want:     []string{"go"},
		},
		{
			name:     "metadata of wrong shape is ignored",
			tags:     []string{"requires:go"},
			metadata: map[string]any{"requiredCapabilities": "not-a-list"},
			want:     []string{"go"},
		},
		{
			name:     "non-string metadata entries skipped",
			metadata: map[string]any{"requiredCapabilities": []any{42, "go", nil}},
			want:     []string{"go"},
		},
		{
			name: "duplicates removed",
			tags: []string{"requires:go", "requires:go"},
			want: []string{"go"},
		},
		{
			name: "empty suffix ignored",
			tags: []string{"requires:", "requires:  "},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{Tags: tt.tags, Metadata: tt.metadata}
			assert.Equal(t, tt.want, task.RequiredCapabilities())
		})
	}
}

func TestTaskStatusAssigned(t *testing.T) {
	assert.True(t, TaskClaimed.Assigned())
	assert.True(t, TaskInProgress.Assigned())
	assert.True(t, TaskBlocked.Assigned())
	assert.False(t, TaskPending.Assigned())
	assert.False(t, TaskCompleted.Assigned())
	assert.False(t, TaskFailed.Assigned())
}
