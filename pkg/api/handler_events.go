package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentfleet/foreman/pkg/events"
)

// handleEvents streams the bus to the client as SSE frames
// (event: <type>\ndata: <json>\n\n). The connection opens with a
// heartbeat carrying the project id and idles with periodic heartbeats
// so proxies keep the stream alive.
func (s *Server) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sub := s.deps.Bus.Subscribe(0)
	defer sub.Cancel()

	writeFrame := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			s.logger.Error("SSE encode failed", "event", event, "error", err)
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(events.TypeHeartbeat, gin.H{"status": "connected", "projectId": s.projectID()}) {
		return
	}

	heartbeat := time.NewTicker(s.deps.Config.SSEHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeFrame(events.TypeHeartbeat, gin.H{"timestamp": time.Now().UTC()}) {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !writeFrame(ev.Type, ev) {
				return
			}
		}
	}
}
