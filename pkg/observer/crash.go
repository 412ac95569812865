package observer

import (
	"time"

	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/models"
)

// CrashDetector turns sandbox failure events into crash detections. It
// is fed from the bus rather than from console output.
type CrashDetector struct {
	emit DetectionFunc
	now  func() time.Time
}

// NewCrashDetector creates a crash detector emitting through emit.
func NewCrashDetector(emit DetectionFunc) *CrashDetector {
	return &CrashDetector{emit: emit, now: time.Now}
}

// HandleSandboxEvent inspects one sandbox lifecycle event. Only failures
// produce a detection.
func (c *CrashDetector) HandleSandboxEvent(ev events.Event) {
	if ev.Type != events.TypeSandboxFailed {
		return
	}

	detection := models.DetectionEvent{
		Type:      models.DetectionCrash,
		Timestamp: c.now().UTC(),
	}
	if inst, ok := ev.After.(*models.SandboxInstance); ok {
		detection.AgentID = inst.AgentID
		detection.SandboxID = inst.ID
	} else {
		detection.SandboxID = ev.EntityID
	}
	if payload, ok := ev.Payload.(map[string]any); ok {
		if code, ok := payload["exitCode"].(int); ok {
			detection.ExitCode = code
		}
	}
	c.emit(detection)
}
