// Package cleanup is the retention janitor: it stops sandboxes that
// have sat idle too long and expires pending access requests nobody
// reviewed.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/store"
)

// SandboxReaper is the slice of the sandbox manager the janitor uses.
type SandboxReaper interface {
	CleanupStale(ctx context.Context, maxAge time.Duration) []*models.SandboxInstance
}

// Service runs periodic cleanup passes. All passes are idempotent; a
// missed or doubled tick is harmless.
type Service struct {
	config    *config.CleanupConfig
	store     store.Store
	sandboxes SandboxReaper
	projectID string
	logger    *slog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service for one project.
func NewService(cfg *config.CleanupConfig, st store.Store, sandboxes SandboxReaper, projectID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:    cfg,
		store:     st,
		sandboxes: sandboxes,
		projectID: projectID,
		logger:    logger.With("component", "cleanup"),
		now:       time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.config.Interval,
		"sandbox_max_idle", s.config.SandboxMaxIdle,
		"access_request_ttl", s.config.AccessRequestTTL)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one cleanup pass. Exposed so operators can trigger a
// pass on demand.
func (s *Service) RunAll(ctx context.Context) {
	s.reapIdleSandboxes(ctx)
	s.expireAccessRequests(ctx)
}

func (s *Service) reapIdleSandboxes(ctx context.Context) {
	if s.sandboxes == nil {
		return
	}
	stopped := s.sandboxes.CleanupStale(ctx, s.config.SandboxMaxIdle)
	if len(stopped) > 0 {
		s.logger.Info("Stopped idle sandboxes", "count", len(stopped))
	}
}

func (s *Service) expireAccessRequests(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.config.AccessRequestTTL)
	count, err := s.store.ExpireOldAccessRequests(ctx, s.projectID, cutoff)
	if err != nil {
		s.logger.Error("Access request expiry failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Expired stale access requests", "count", count)
	}
}
