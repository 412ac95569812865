// Package api exposes the coordination state over JSON HTTP and SSE:
// the dashboard's project summary, live event stream, cost rollups,
// sandbox control, and the human action endpoint.
//
// The server is single-project: every handler operates on the project
// named in the server configuration.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/database"
	"github.com/agentfleet/foreman/pkg/escalation"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/ledger"
	"github.com/agentfleet/foreman/pkg/observer"
	"github.com/agentfleet/foreman/pkg/queue"
	"github.com/agentfleet/foreman/pkg/sandbox"
	"github.com/agentfleet/foreman/pkg/secrets"
	"github.com/agentfleet/foreman/pkg/store"
)

// Deps collects the services the HTTP layer fronts. Database is nil when
// the in-memory store engine is active; Vault is nil when no master key
// is configured; Gatherer defaults to the global Prometheus registry.
type Deps struct {
	Store       store.Store
	Bus         *events.Bus
	Queue       *queue.Service
	Sandboxes   *sandbox.Manager
	Escalations *escalation.Service
	Ledger      *ledger.Service
	Executor    *observer.Executor
	Database    *database.Client
	Vault       *secrets.Vault
	Gatherer    prometheus.Gatherer
	Config      *config.ServerConfig
	Logger      *slog.Logger
}

// Server is the HTTP/SSE boundary.
type Server struct {
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. Call Run to serve.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "api"),
		engine: engine,
	}

	engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	r.GET("/project", s.handleProjectSummary)
	r.GET("/events", s.handleEvents)
	r.GET("/costs", s.handleCosts)

	r.GET("/agents", s.handleListAgents)
	r.POST("/agents", s.handleRegisterAgent)
	r.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	r.DELETE("/agents/:id", s.handleRemoveAgent)

	r.GET("/tasks", s.handleListTasks)
	r.POST("/tasks", s.handleSubmitTask)
	r.POST("/tasks/:id/claim", s.handleClaimTask)
	r.PATCH("/tasks/:id/status", s.handleTaskStatus)

	r.GET("/sandboxes", s.handleListSandboxes)
	r.POST("/sandboxes", s.handleSandboxAction)
	r.DELETE("/sandboxes", s.handleDeleteSandboxes)
	r.POST("/sandboxes/exec", s.handleSandboxExec)
	r.GET("/sandboxes/stream", s.handleSandboxStream)

	r.POST("/actions", s.handleAction)
	r.GET("/actions", s.handleActionLog)
	r.GET("/escalations", s.handleListEscalations)

	r.GET("/access-requests", s.handleListAccessRequests)
	r.POST("/access-requests", s.handleAccessRequestAction)

	r.GET("/onboarding", s.handleGetOnboarding)
	r.POST("/onboarding", s.handleSetOnboarding)
	r.GET("/zones", s.handleZones)

	r.GET("/secrets", s.handleListSecrets)
	r.POST("/secrets", s.handleSetSecret)
	r.DELETE("/secrets/:name", s.handleDeleteSecret)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then drains in-flight
// requests with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.deps.Config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", s.deps.Config.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) projectID() string {
	return s.deps.Config.ProjectID
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// SSE requests hold the connection open; logging them on exit
		// still records the stream duration.
		s.logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
