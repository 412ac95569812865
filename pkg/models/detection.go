package models

import "time"

// DetectionType discriminates the DetectionEvent union.
type DetectionType string

// Detection type constants.
const (
	DetectionError       DetectionType = "error"
	DetectionTestFailure DetectionType = "test_failure"
	DetectionAuthNeeded  DetectionType = "auth_required"
	DetectionStuck       DetectionType = "stuck"
	DetectionCrash       DetectionType = "crash"
)

// ErrorSeverity grades error detections.
type ErrorSeverity string

// Error severity constants.
const (
	SeverityWarning ErrorSeverity = "warning"
	SeverityError   ErrorSeverity = "error"
	SeverityFatal   ErrorSeverity = "fatal"
)

// DetectionEvent is a typed record produced by scanning agent console
// output (or sandbox lifecycle events, for crashes). Exactly the fields
// relevant to the Type are populated.
type DetectionEvent struct {
	Type      DetectionType `json:"type"`
	AgentID   string        `json:"agentId"`
	SandboxID string        `json:"sandboxId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// error
	Severity ErrorSeverity `json:"severity,omitempty"`
	Message  string        `json:"message,omitempty"`

	// test_failure
	FailedTests int    `json:"failedTests,omitempty"`
	Output      string `json:"output,omitempty"`

	// auth_required
	Provider string `json:"provider,omitempty"`
	AuthURL  string `json:"authUrl,omitempty"`

	// stuck
	SilentDurationMs int64 `json:"silentDurationMs,omitempty"`

	// crash
	ExitCode int `json:"exitCode,omitempty"`

	// TaskID is the task the agent was working on when the detection fired,
	// when known. Used by retry_task decisions.
	TaskID string `json:"taskId,omitempty"`
}
