package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/models"
)

// StuckDetector watches per-agent activity clocks and emits a stuck
// detection for any tracked agent that has been silent past the
// threshold. Any byte of output resets the clock.
type StuckDetector struct {
	config *config.ObserverConfig
	emit   DetectionFunc
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastActivity map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStuckDetector creates a stuck detector emitting through emit.
func NewStuckDetector(cfg *config.ObserverConfig, emit DetectionFunc, logger *slog.Logger) *StuckDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StuckDetector{
		config:       cfg,
		emit:         emit,
		logger:       logger.With("component", "stuck-detector"),
		now:          time.Now,
		lastActivity: make(map[string]time.Time),
	}
}

// Touch records activity for an agent, resetting its silence clock.
func (s *StuckDetector) Touch(agentID string) {
	s.mu.Lock()
	s.lastActivity[agentID] = s.now().UTC()
	s.mu.Unlock()
}

// Forget stops tracking an agent.
func (s *StuckDetector) Forget(agentID string) {
	s.mu.Lock()
	delete(s.lastActivity, agentID)
	s.mu.Unlock()
}

// Start begins the periodic silence check.
func (s *StuckDetector) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.StuckCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check()
			}
		}
	}()

	s.logger.Info("Stuck detector started",
		"check_interval", s.config.StuckCheckInterval,
		"silence_threshold", s.config.SilenceThreshold)
}

// Stop halts the periodic check.
func (s *StuckDetector) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// Check scans all tracked agents once. An agent that stays silent is
// reported on every check so the decision engine's prompt counter can
// climb toward escalation; new output resets the clock.
func (s *StuckDetector) Check() {
	now := s.now().UTC()

	s.mu.Lock()
	var stuck []models.DetectionEvent
	for agentID, last := range s.lastActivity {
		silence := now.Sub(last)
		if silence < s.config.SilenceThreshold {
			continue
		}
		stuck = append(stuck, models.DetectionEvent{
			Type:             models.DetectionStuck,
			AgentID:          agentID,
			Timestamp:        now,
			SilentDurationMs: silence.Milliseconds(),
		})
	}
	s.mu.Unlock()

	for _, ev := range stuck {
		s.logger.Warn("Agent silent past threshold",
			"agent_id", ev.AgentID,
			"silent_ms", ev.SilentDurationMs)
		s.emit(ev)
	}
}
