package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/store"
)

// Sweeper periodically removes expired file locks so crashed or stalled
// agents cannot hold paths forever. Safe to run alongside the claim path;
// the store arbitrates races.
type Sweeper struct {
	store  store.Store
	config *config.QueueConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a lock sweeper.
func NewSweeper(st store.Store, cfg *config.QueueConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:  st,
		config: cfg,
		logger: logger.With("component", "lock-sweeper"),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Lock sweeper started", "interval", s.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Lock sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep removes expired locks once. Exposed for the action executor's
// cleanup_locks path.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	return s.store.SweepExpiredLocks(ctx, time.Now().UTC())
}

func (s *Sweeper) sweep(ctx context.Context) {
	count, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Lock sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Swept expired locks", "count", count)
	}
}
