// Package observer is the observation pipeline: it scans agent console
// output for known trouble patterns, runs detections through a decision
// engine bounded by the project's autonomy level, executes autonomous
// recovery actions, and raises escalations for everything else.
package observer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentfleet/foreman/pkg/models"
)

// LineDetector inspects one line of console output and emits at most one
// detection event for it.
type LineDetector interface {
	Name() string
	DetectLine(agentID, sandboxID, line string, now time.Time) *models.DetectionEvent
}

// Error detector patterns, checked in severity order. First match wins.
var (
	fatalPattern = regexp.MustCompile(`(?i)\b(FATAL|PANIC|CRITICAL)\b`)

	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bError:`),
		regexp.MustCompile(`\bException:`),
		regexp.MustCompile(`\b\w+Error:`),
		regexp.MustCompile(`\b\w+Exception:`),
		regexp.MustCompile(`(?i)failed.*\berrors?\b`),
		regexp.MustCompile(`(?i)\berrors?\b.*failed`),
	}

	warningPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bWarning:`),
		regexp.MustCompile(`\bWARN\b`),
		regexp.MustCompile(`\bDeprecated\b`),
	}
)

// ErrorDetector grades lines fatal, error, or warning.
type ErrorDetector struct{}

func (ErrorDetector) Name() string { return "error" }

func (ErrorDetector) DetectLine(agentID, sandboxID, line string, now time.Time) *models.DetectionEvent {
	var severity models.ErrorSeverity
	switch {
	case fatalPattern.MatchString(line):
		severity = models.SeverityFatal
	case anyMatch(errorPatterns, line):
		severity = models.SeverityError
	case anyMatch(warningPatterns, line):
		severity = models.SeverityWarning
	default:
		return nil
	}
	return &models.DetectionEvent{
		Type:      models.DetectionError,
		AgentID:   agentID,
		SandboxID: sandboxID,
		Timestamp: now,
		Severity:  severity,
		Message:   strings.TrimSpace(line),
	}
}

func anyMatch(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// testSummaryPattern matches Jest-style run summaries.
var testSummaryPattern = regexp.MustCompile(`Tests:\s*(\d+)\s+failed,\s*(\d+)\s+passed`)

// TestFailureDetector recognizes test-runner summary lines that report
// failures.
type TestFailureDetector struct{}

func (TestFailureDetector) Name() string { return "test_failure" }

func (TestFailureDetector) DetectLine(agentID, sandboxID, line string, now time.Time) *models.DetectionEvent {
	m := testSummaryPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	failed, err := strconv.Atoi(m[1])
	if err != nil || failed == 0 {
		return nil
	}
	return &models.DetectionEvent{
		Type:        models.DetectionTestFailure,
		AgentID:     agentID,
		SandboxID:   sandboxID,
		Timestamp:   now,
		FailedTests: failed,
		Output:      strings.TrimSpace(line),
	}
}

// authProviders maps an OAuth URL fragment to the provider name reported
// in the detection.
var authProviders = []struct {
	fragment string
	provider string
}{
	{"github.com/login/oauth", "github"},
	{"accounts.google.com/o/oauth2", "google"},
	{"login.microsoftonline.com", "microsoft"},
	{"gitlab.com/oauth", "gitlab"},
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// AuthDetector recognizes OAuth login URLs an agent prints when it needs
// a human to complete authentication.
type AuthDetector struct{}

func (AuthDetector) Name() string { return "auth_required" }

func (AuthDetector) DetectLine(agentID, sandboxID, line string, now time.Time) *models.DetectionEvent {
	for _, p := range authProviders {
		if !strings.Contains(line, p.fragment) {
			continue
		}
		url := urlPattern.FindString(line)
		if url == "" {
			url = p.fragment
		}
		return &models.DetectionEvent{
			Type:      models.DetectionAuthNeeded,
			AgentID:   agentID,
			SandboxID: sandboxID,
			Timestamp: now,
			Provider:  p.provider,
			AuthURL:   strings.TrimRight(url, ".,;)"),
		}
	}
	return nil
}

// DefaultDetectors returns the standard detector chain in evaluation
// order.
func DefaultDetectors() []LineDetector {
	return []LineDetector{AuthDetector{}, TestFailureDetector{}, ErrorDetector{}}
}
