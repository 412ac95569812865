package observer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/foreman/pkg/models"
)

func TestErrorDetectorSeverity(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		line string
		want models.ErrorSeverity // "" means no detection
	}{
		{"fatal upper", "FATAL: database connection lost", models.SeverityFatal},
		{"panic mixed case", "goroutine panic: runtime error", models.SeverityFatal},
		{"critical beats error", "CRITICAL Error: disk full", models.SeverityFatal},
		{"plain error", "Error: cannot resolve module", models.SeverityError},
		{"typed error", "TypeError: undefined is not a function", models.SeverityError},
		{"typed exception", "NullPointerException: at line 42", models.SeverityError},
		{"failed then error", "build failed with 3 errors", models.SeverityError},
		{"warning", "Warning: unused variable x", models.SeverityWarning},
		{"warn tag", "[WARN] retrying request", models.SeverityWarning},
		{"deprecated", "Deprecated API call", models.SeverityWarning},
		{"clean line", "compiling 14 files", ""},
		{"error word alone", "no errors found", ""},
	}
	d := ErrorDetector{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := d.DetectLine("a1", "sb1", tt.line, now)
			if tt.want == "" {
				assert.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, models.DetectionError, ev.Type)
			assert.Equal(t, tt.want, ev.Severity)
			assert.Equal(t, "a1", ev.AgentID)
		})
	}
}

func TestTestFailureDetector(t *testing.T) {
	d := TestFailureDetector{}
	now := time.Now()

	ev := d.DetectLine("a1", "sb1", "Tests: 3 failed, 12 passed, 15 total", now)
	require.NotNil(t, ev)
	assert.Equal(t, models.DetectionTestFailure, ev.Type)
	assert.Equal(t, 3, ev.FailedTests)

	assert.Nil(t, d.DetectLine("a1", "sb1", "Tests: 0 failed, 15 passed", now))
	assert.Nil(t, d.DetectLine("a1", "sb1", "all tests passed", now))
}

func TestAuthDetector(t *testing.T) {
	d := AuthDetector{}
	now := time.Now()

	ev := d.DetectLine("a1", "sb1", "Please visit https://github.com/login/oauth/authorize?client_id=x to continue.", now)
	require.NotNil(t, ev)
	assert.Equal(t, models.DetectionAuthNeeded, ev.Type)
	assert.Equal(t, "github", ev.Provider)
	assert.Equal(t, "https://github.com/login/oauth/authorize?client_id=x", ev.AuthURL)

	ev = d.DetectLine("a1", "sb1", "open https://accounts.google.com/o/oauth2/v2/auth", now)
	require.NotNil(t, ev)
	assert.Equal(t, "google", ev.Provider)

	assert.Nil(t, d.DetectLine("a1", "sb1", "https://example.com/login", now))
}

func collectDetections() (*[]models.DetectionEvent, DetectionFunc, *sync.Mutex) {
	var mu sync.Mutex
	var got []models.DetectionEvent
	return &got, func(ev models.DetectionEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, &mu
}

func TestMatcherAssemblesLinesAcrossChunks(t *testing.T) {
	got, fn, mu := collectDetections()
	pm := NewPatternMatcher(DefaultDetectors(), nil, 16, fn, nil)

	pm.Ingest("a1", "sb1", []byte("building...\nErr"))
	mu.Lock()
	assert.Empty(t, *got) // partial line held back
	mu.Unlock()

	pm.Ingest("a1", "sb1", []byte("or: module not found\nnext line\n"))
	mu.Lock()
	require.Len(t, *got, 1)
	assert.Equal(t, models.DetectionError, (*got)[0].Type)
	assert.Equal(t, "Error: module not found", (*got)[0].Message)
	mu.Unlock()
}

func TestMatcherFlushScansPartial(t *testing.T) {
	got, fn, mu := collectDetections()
	pm := NewPatternMatcher(DefaultDetectors(), nil, 16, fn, nil)

	pm.Ingest("a1", "sb1", []byte("FATAL: out of memory"))
	pm.Flush("a1", "sb1")

	mu.Lock()
	require.Len(t, *got, 1)
	assert.Equal(t, models.SeverityFatal, (*got)[0].Severity)
	mu.Unlock()
}

func TestMatcherRecentLinesRing(t *testing.T) {
	_, fn, _ := collectDetections()
	pm := NewPatternMatcher(nil, nil, 3, fn, nil)

	pm.Ingest("a1", "sb1", []byte("one\ntwo\nthree\nfour\n"))
	assert.Equal(t, []string{"two", "three", "four"}, pm.RecentLines("a1"))

	pm.Forget("a1")
	assert.Empty(t, pm.RecentLines("a1"))
}

func TestMatcherOneEventPerDetectorPerLine(t *testing.T) {
	got, fn, mu := collectDetections()
	pm := NewPatternMatcher(DefaultDetectors(), nil, 16, fn, nil)

	// Both error and test-failure patterns on one line: one event each.
	pm.Ingest("a1", "sb1", []byte("Error: Tests: 2 failed, 1 passed\n"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *got, 2)
	types := []models.DetectionType{(*got)[0].Type, (*got)[1].Type}
	assert.Contains(t, types, models.DetectionError)
	assert.Contains(t, types, models.DetectionTestFailure)
}
