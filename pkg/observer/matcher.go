package observer

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// DetectionFunc receives every detection event in per-agent arrival order.
type DetectionFunc func(ev models.DetectionEvent)

// PatternMatcher assembles output chunks into lines and dispatches each
// line through the detector chain. Processing is serialized per agent, so
// detections preserve a single agent's output order; different agents
// proceed in parallel.
type PatternMatcher struct {
	detectors []LineDetector
	bus       *events.Bus
	handler   DetectionFunc
	logger    *slog.Logger
	ringSize  int
	now       func() time.Time

	mu     sync.Mutex
	agents map[string]*agentStream
}

// agentStream is the per-agent line assembly state.
type agentStream struct {
	mu      sync.Mutex
	partial bytes.Buffer
	recent  []string // ring of recent complete lines
	next    int
	full    bool
}

// NewPatternMatcher creates a matcher over the given detector chain.
// handler receives every detection; the matcher also publishes each one
// on the bus.
func NewPatternMatcher(detectors []LineDetector, bus *events.Bus, ringSize int, handler DetectionFunc, logger *slog.Logger) *PatternMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if ringSize <= 0 {
		ringSize = 1024
	}
	return &PatternMatcher{
		detectors: detectors,
		bus:       bus,
		handler:   handler,
		logger:    logger.With("component", "pattern-matcher"),
		ringSize:  ringSize,
		now:       time.Now,
		agents:    make(map[string]*agentStream),
	}
}

// Ingest feeds one chunk of an agent's console output. Complete lines are
// scanned immediately; a trailing partial line is held until its newline
// arrives.
func (pm *PatternMatcher) Ingest(agentID, sandboxID string, chunk []byte) {
	stream := pm.stream(agentID)

	stream.mu.Lock()
	defer stream.mu.Unlock()

	stream.partial.Write(chunk)
	for {
		data := stream.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(data[:idx], "\r"))
		stream.partial.Next(idx + 1)

		pm.remember(stream, line)
		pm.scanLine(agentID, sandboxID, line)
	}
}

// Flush scans any buffered partial line for an agent, e.g. when its
// sandbox exits without a trailing newline.
func (pm *PatternMatcher) Flush(agentID, sandboxID string) {
	stream := pm.stream(agentID)
	stream.mu.Lock()
	defer stream.mu.Unlock()
	if stream.partial.Len() == 0 {
		return
	}
	line := stream.partial.String()
	stream.partial.Reset()
	pm.remember(stream, line)
	pm.scanLine(agentID, sandboxID, line)
}

// RecentLines returns the agent's recent output lines, oldest first.
func (pm *PatternMatcher) RecentLines(agentID string) []string {
	stream := pm.stream(agentID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if !stream.full {
		out := make([]string, len(stream.recent))
		copy(out, stream.recent)
		return out
	}
	out := make([]string, 0, pm.ringSize)
	out = append(out, stream.recent[stream.next:]...)
	out = append(out, stream.recent[:stream.next]...)
	return out
}

// Forget drops all buffered state for an agent.
func (pm *PatternMatcher) Forget(agentID string) {
	pm.mu.Lock()
	delete(pm.agents, agentID)
	pm.mu.Unlock()
}

func (pm *PatternMatcher) stream(agentID string) *agentStream {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	s, ok := pm.agents[agentID]
	if !ok {
		s = &agentStream{}
		pm.agents[agentID] = s
	}
	return s
}

func (pm *PatternMatcher) remember(s *agentStream, line string) {
	if !s.full {
		s.recent = append(s.recent, line)
		if len(s.recent) == pm.ringSize {
			s.full = true
		}
		return
	}
	s.recent[s.next] = line
	s.next = (s.next + 1) % pm.ringSize
}

// scanLine runs one line through every detector. Each detector emits at
// most one event per line.
func (pm *PatternMatcher) scanLine(agentID, sandboxID, line string) {
	now := pm.now().UTC()
	for _, d := range pm.detectors {
		ev := d.DetectLine(agentID, sandboxID, line, now)
		if ev == nil {
			continue
		}
		pm.emit(*ev)
	}
}

// Emit injects a detection produced outside the line pipeline (stuck and
// crash detections).
func (pm *PatternMatcher) Emit(ev models.DetectionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = pm.now().UTC()
	}
	pm.emit(ev)
}

func (pm *PatternMatcher) emit(ev models.DetectionEvent) {
	pm.logger.Info("Detection",
		"type", ev.Type,
		"agent_id", ev.AgentID,
		"severity", ev.Severity)
	if pm.bus != nil {
		pm.bus.Publish(events.Event{
			Type:     events.TypeDetection,
			EntityID: ev.AgentID,
			Payload:  ev,
		})
	}
	if pm.handler != nil {
		pm.handler(ev)
	}
}
