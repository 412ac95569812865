package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListSandboxes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sandboxes": s.deps.Sandboxes.List()})
}

type sandboxActionRequest struct {
	Action        string `json:"action" binding:"required"`
	AgentID       string `json:"agentId"`
	Template      string `json:"template"`
	MaxAgeMinutes int    `json:"maxAgeMinutes"`
}

// handleSandboxAction multiplexes sandbox control. create and spawn both
// provision a sandbox; spawn is the agent-bootstrap alias that keeps the
// default template.
func (s *Server) handleSandboxAction(c *gin.Context) {
	var req sandboxActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	switch req.Action {
	case "create", "spawn":
		if req.AgentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "agentId is required"})
			return
		}
		info, err := s.deps.Sandboxes.Create(ctx, req.AgentID, s.projectID(), req.Template)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)

	case "health_check":
		s.deps.Sandboxes.HealthCheck(ctx)
		c.JSON(http.StatusOK, gin.H{"sandboxes": s.deps.Sandboxes.List()})

	case "cleanup_stale":
		maxAge := 30 * time.Minute
		if req.MaxAgeMinutes > 0 {
			maxAge = time.Duration(req.MaxAgeMinutes) * time.Minute
		}
		stopped := s.deps.Sandboxes.CleanupStale(ctx, maxAge)
		c.JSON(http.StatusOK, gin.H{"stopped": stopped})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *Server) handleDeleteSandboxes(c *gin.Context) {
	ctx := c.Request.Context()

	var targets []string
	switch {
	case c.Query("sandboxId") != "":
		targets = []string{c.Query("sandboxId")}
	case c.Query("agentId") != "":
		for _, info := range s.deps.Sandboxes.List() {
			if info.AgentID == c.Query("agentId") {
				targets = append(targets, info.ID)
			}
		}
	case c.Query("all") == "true":
		for _, info := range s.deps.Sandboxes.List() {
			targets = append(targets, info.ID)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of sandboxId, agentId, or all=true is required"})
		return
	}

	killed := []string{}
	for _, id := range targets {
		if err := s.deps.Sandboxes.Kill(ctx, id); err != nil {
			s.respondError(c, err)
			return
		}
		killed = append(killed, id)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "killed": killed})
}

type sandboxExecRequest struct {
	SandboxID string `json:"sandboxId" binding:"required"`
	Command   string `json:"command" binding:"required"`
	Cwd       string `json:"cwd"`
	Timeout   int    `json:"timeout"` // seconds
}

// shellCommand wraps the user command for the sandbox shell, honoring an
// optional working directory.
func shellCommand(command, cwd string) []string {
	if cwd != "" {
		command = fmt.Sprintf("cd %s && %s", cwd, command)
	}
	return []string{"sh", "-c", command}
}

func (s *Server) handleSandboxExec(c *gin.Context) {
	var req sandboxExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	res, err := s.deps.Sandboxes.Exec(ctx, req.SandboxID, shellCommand(req.Command, req.Cwd))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  res.ExitCode == 0,
		"stdout":   string(res.Stdout),
		"stderr":   string(res.Stderr),
		"exitCode": res.ExitCode,
	})
}

// sseFrame is one queued stream event.
type sseFrame struct {
	event string
	data  any
}

// handleSandboxStream executes a command and streams its output as SSE:
// start, then stdout/stderr chunks, then complete {exitCode, duration}
// or error {message}.
func (s *Server) handleSandboxStream(c *gin.Context) {
	sandboxID := c.Query("sandboxId")
	command := c.Query("command")
	if sandboxID == "" || command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sandboxId and command are required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	if t := c.Query("timeout"); t != "" {
		if secs, err := strconv.Atoi(t); err == nil && secs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
			defer cancel()
		}
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	frames := make(chan sseFrame, 64)
	go func() {
		defer close(frames)
		start := time.Now()
		exitCode, err := s.deps.Sandboxes.ExecStreaming(ctx, sandboxID, shellCommand(command, c.Query("cwd")),
			func(chunk []byte) {
				frames <- sseFrame{event: "stdout", data: gin.H{"chunk": string(chunk)}}
			},
			func(chunk []byte) {
				frames <- sseFrame{event: "stderr", data: gin.H{"chunk": string(chunk)}}
			})
		if err != nil {
			frames <- sseFrame{event: "error", data: gin.H{"message": err.Error()}}
			return
		}
		frames <- sseFrame{event: "complete", data: gin.H{
			"exitCode": exitCode,
			"duration": time.Since(start).Milliseconds(),
		}}
	}()

	writeFrame := func(f sseFrame) bool {
		payload, err := json.Marshal(f.data)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", f.event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeFrame(sseFrame{event: "start", data: gin.H{"sandboxId": sandboxID, "command": command}}) {
		return
	}
	for f := range frames {
		if !writeFrame(f) {
			// Client gone; drain so the exec goroutine can finish.
			for range frames {
			}
			return
		}
	}
}
