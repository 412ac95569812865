// Foreman coordination server: task queue, agent health, sandbox pool,
// console observation, and the dashboard HTTP/SSE API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentfleet/foreman/pkg/api"
	"github.com/agentfleet/foreman/pkg/cleanup"
	"github.com/agentfleet/foreman/pkg/config"
	"github.com/agentfleet/foreman/pkg/connector"
	"github.com/agentfleet/foreman/pkg/database"
	"github.com/agentfleet/foreman/pkg/escalation"
	"github.com/agentfleet/foreman/pkg/events"
	"github.com/agentfleet/foreman/pkg/health"
	"github.com/agentfleet/foreman/pkg/ledger"
	"github.com/agentfleet/foreman/pkg/models"
	"github.com/agentfleet/foreman/pkg/observer"
	"github.com/agentfleet/foreman/pkg/queue"
	"github.com/agentfleet/foreman/pkg/reassign"
	"github.com/agentfleet/foreman/pkg/sandbox"
	"github.com/agentfleet/foreman/pkg/secrets"
	"github.com/agentfleet/foreman/pkg/slack"
	"github.com/agentfleet/foreman/pkg/store"
	"github.com/agentfleet/foreman/pkg/version"
)

func main() {
	envPath := flag.String("env", ".env", "Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting foreman",
		"version", version.GitCommit,
		"addr", cfg.Server.Addr,
		"project_id", cfg.Server.ProjectID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	bus := events.NewBus()

	// State store: Postgres when DB_HOST is set, in-memory otherwise.
	var (
		st       store.Store
		dbClient *database.Client
	)
	if os.Getenv("DB_HOST") != "" {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		st = store.NewPostgresStore(dbClient, bus)
		slog.Info("Connected to PostgreSQL database")
	} else {
		st = store.NewMemoryStore(bus)
		slog.Info("Using in-memory state store")
	}

	if err := ensureProject(ctx, st, cfg.Server.ProjectID); err != nil {
		slog.Error("Failed to ensure project", "project_id", cfg.Server.ProjectID, "error", err)
		os.Exit(1)
	}

	// Secrets vault, fed from the project's onboarding document. The
	// vault is optional; without a master key secrets stay sealed and
	// the API's secrets endpoints report the vault locked.
	var vault *secrets.Vault
	if os.Getenv(cfg.Secrets.MasterKeyEnv) != "" {
		var err error
		vault, err = secrets.NewVaultFromEnv(cfg.Secrets.MasterKeyEnv, nil)
		if err != nil {
			slog.Error("Failed to open secrets vault", "error", err)
			os.Exit(1)
		}
		if onboarding, err := st.GetOnboarding(ctx, cfg.Server.ProjectID); err == nil {
			if sealed, ok := onboarding["secrets"].(map[string]any); ok {
				imported := make(map[string]string, len(sealed))
				for name, v := range sealed {
					if ciphertext, ok := v.(string); ok {
						imported[name] = ciphertext
					}
				}
				vault.Import(imported)
			}
		}
		slog.Info("Secrets vault unlocked", "secrets", len(vault.Names()))
	} else {
		slog.Warn("No master key configured, user secrets unavailable",
			"env", cfg.Secrets.MasterKeyEnv)
	}

	// Escalations with optional Slack push.
	var notifier escalation.Notifier
	if svc := slack.NewService(slack.ServiceConfig{
		Token:        os.Getenv(cfg.Slack.TokenEnv),
		Channel:      cfg.Slack.Channel,
		DashboardURL: os.Getenv("FOREMAN_DASHBOARD_URL"),
	}); svc != nil {
		notifier = svc
		slog.Info("Slack notifications enabled", "channel", cfg.Slack.Channel)
	}
	escalations := escalation.NewService(st, notifier, nil)
	costs := ledger.NewService(st, escalations, nil)

	// Queue, lock sweeper, health monitor, reassigner.
	queueSvc := queue.NewService(st, cfg.Queue, nil)
	sweeper := queue.NewSweeper(st, cfg.Queue, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	healthMonitor := health.NewMonitor(st, bus, cfg.Health, nil)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	reassigner := reassign.NewReassigner(st, bus, cfg.Reassign, nil)
	reassigner.Start(ctx)
	defer reassigner.Stop()

	// Agent messaging over MCP. Without a control server configured the
	// observer escalates instead of prompting.
	var messenger observer.Messenger = connector.Null{}
	var mcpConn *connector.MCP
	if controlURL := os.Getenv("FOREMAN_CONTROL_URL"); controlURL != "" {
		mcpConn = connector.NewMCP(connector.Config{
			Transport: connector.TransportHTTP,
			URL:       controlURL,
			Token:     os.Getenv("FOREMAN_CONTROL_TOKEN"),
		}, nil)
	} else if controlCmd := os.Getenv("FOREMAN_CONTROL_COMMAND"); controlCmd != "" {
		mcpConn = connector.NewMCP(connector.Config{
			Transport: connector.TransportStdio,
			Command:   controlCmd,
		}, nil)
	}
	if mcpConn != nil {
		if err := mcpConn.Connect(ctx); err != nil {
			slog.Warn("Control server connection failed, will retry on send", "error", err)
		}
		messenger = mcpConn
		defer func() { _ = mcpConn.Close() }()
	}

	// Sandbox pool over Docker.
	backend := sandbox.NewDockerBackend(os.Getenv("FOREMAN_SANDBOX_RUNTIME"))
	sandboxes := sandbox.NewManager(backend, bus, cfg.Sandbox, nil)
	sandboxes.StartHealthMonitor(ctx, cfg.Sandbox.HealthInterval)

	// Observation pipeline: detectors, decision engine, action executor.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observer.NewMetrics(registry)
	engine := observer.NewEngine(metrics, nil)
	executor := observer.NewExecutor(st, messenger, sweeper, reassigner, sandboxes, bus, cfg.Observer, nil)
	pipeline := observer.NewPipeline(st, engine, executor, escalations, metrics, bus, cfg.Observer, nil)
	sandboxes.SetOutputObserver(pipeline.HandleOutput)
	pipeline.Start(ctx)
	defer pipeline.Stop()

	janitor := cleanup.NewService(cfg.Cleanup, st, sandboxes, cfg.Server.ProjectID, nil)
	janitor.Start(ctx)
	defer janitor.Stop()

	server := api.NewServer(api.Deps{
		Store:       st,
		Bus:         bus,
		Queue:       queueSvc,
		Sandboxes:   sandboxes,
		Escalations: escalations,
		Ledger:      costs,
		Executor:    executor,
		Database:    dbClient,
		Vault:       vault,
		Gatherer:    registry,
		Config:      cfg.Server,
	})

	// Run blocks until a signal arrives, then drains in-flight requests.
	if err := server.Run(ctx); err != nil {
		slog.Error("API server error", "error", err)
	}

	// Deferred stops handle the background services; the sandbox pool is
	// torn down explicitly so containers do not outlive the process.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sandboxes.Stop(shutdownCtx)
	bus.Close()

	slog.Info("Shutdown complete")
}

// ensureProject creates the configured project on first boot so a fresh
// deployment is usable without an admin step.
func ensureProject(ctx context.Context, st store.Store, projectID string) error {
	_, err := st.GetProject(ctx, projectID)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return err
	}
	slog.Info("Creating project", "project_id", projectID)
	return st.CreateProject(ctx, &models.Project{
		ID:               projectID,
		Name:             projectID,
		ConflictStrategy: models.ConflictStrategyLock,
		AutonomyLevel:    models.AutonomySupervised,
	})
}
