package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/orchard/config"
	"github.com/c360studio/orchard/events"
	"github.com/c360studio/orchard/executor"
	"github.com/c360studio/orchard/schedule"
	"github.com/c360studio/orchard/store"
	"github.com/c360studio/orchard/store/memory"
	"github.com/c360studio/orchard/store/postgres"
	"github.com/c360studio/orchard/ticket"
	"github.com/c360studio/orchard/worker"
	"github.com/c360studio/orchard/workflow"
)

// App wires together the store, services, and optional sidecars (NATS
// event bridge, metrics endpoint) behind one lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    store.Store
	pgStore  *postgres.Store
	loader   *workflow.Loader
	registry *executor.Registry

	Tickets   *ticket.Service
	Schedules *schedule.Service
	Worker    *worker.Service

	natsConn      *nats.Conn
	bridge        *events.Bridge
	metricsServer *http.Server
	watchDone     chan struct{}
}

func newAppFromFlags(configPath, logLevel string) (*App, error) {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return nil, err
		}
	}
	return &App{cfg: cfg, logger: logger}, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// OpenStore connects to the configured backend. An empty database URL
// selects the in-memory store.
func (a *App) OpenStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Database.URL == "" {
		a.logger.Info("Using in-memory store")
		a.store = memory.New()
		return nil
	}
	pg, err := postgres.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return err
	}
	a.pgStore = pg
	a.store = pg
	a.logger.Info("Connected to postgres")
	return nil
}

// Migrate applies the schema on Postgres backends. The in-memory store
// needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Migrate(ctx)
}

// Start opens the store and wires every service. Migrations run
// automatically on Postgres; they are idempotent.
func (a *App) Start(ctx context.Context) error {
	if err := a.OpenStore(ctx); err != nil {
		return err
	}
	if err := a.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	a.loader = workflow.NewLoader(a.cfg.Workflows.Dir, a.logger)
	if a.cfg.Workflows.Watch {
		a.watchDone = make(chan struct{})
		if err := a.loader.Watch(a.watchDone); err != nil {
			a.logger.Warn("Workflow hot-reload unavailable", "error", err)
			close(a.watchDone)
			a.watchDone = nil
		}
	}

	a.registry = executor.DefaultRegistry(a.store, executor.Settings{
		EventWaitPollIntervalSeconds: a.cfg.Worker.EventWaitPollIntervalSeconds,
	})

	a.Tickets = ticket.NewService(a.store, a.loader, ticket.Settings{
		DefaultWorkflowKey: a.cfg.Tickets.DefaultWorkflowKey,
		DefaultMaxAttempts: a.cfg.Worker.DefaultMaxAttempts,
	}, a.logger)

	a.Schedules = schedule.NewService(a.store, a.loader, schedule.Settings{
		DefaultMaxAttempts: a.cfg.Worker.DefaultMaxAttempts,
	}, a.logger)

	a.Worker = worker.NewService(a.store, a.registry, a.Schedules, worker.Settings{
		WorkerID:                a.cfg.Worker.ID,
		LeaseSeconds:            a.cfg.Worker.TaskLeaseSeconds,
		StaleTaskTimeoutSeconds: a.cfg.Worker.StaleTaskTimeoutSeconds,
		RetryBaseSeconds:        a.cfg.Worker.RetryBaseSeconds,
		RetryMaxSeconds:         a.cfg.Worker.RetryMaxSeconds,
		DefaultMaxAttempts:      a.cfg.Worker.DefaultMaxAttempts,
		DefaultPollSeconds:      a.cfg.Worker.EventWaitPollIntervalSeconds,
		ScheduleBatchSize:       a.cfg.Worker.ScheduleBatchSize,
	}, a.logger)

	if a.cfg.NATS.URL != "" {
		if err := a.startBridge(); err != nil {
			return err
		}
	}
	if a.cfg.Metrics.ListenAddr != "" {
		a.startMetrics()
	}
	return nil
}

func (a *App) startBridge() error {
	conn, err := nats.Connect(a.cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.natsConn = conn
	a.bridge = events.NewBridge(a.store, conn, a.logger)
	if err := a.bridge.Start(); err != nil {
		conn.Close()
		a.natsConn = nil
		return err
	}
	return nil
}

func (a *App) startMetrics() {
	registry := prometheus.NewRegistry()
	if err := a.Worker.Metrics().Register(registry); err != nil {
		a.logger.Warn("Metrics registration failed", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.metricsServer = &http.Server{Addr: a.cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	a.logger.Info("Metrics endpoint started", "addr", a.cfg.Metrics.ListenAddr)
}

// RunWorkerLoop drives the engine until the context is cancelled.
func (a *App) RunWorkerLoop(ctx context.Context) error {
	runner := worker.NewRunner(a.Worker, a.cfg.Worker.PollInterval)
	return runner.Run(ctx)
}

// Stop shuts down sidecars and releases the store.
func (a *App) Stop() {
	if a.bridge != nil {
		if err := a.bridge.Stop(); err != nil {
			a.logger.Warn("Event bridge drain failed", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	if a.watchDone != nil {
		close(a.watchDone)
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func ticketCreateRequest(title, workflowKey string, input store.Bag) ticket.CreateTicketRequest {
	return ticket.CreateTicketRequest{
		Title:         title,
		WorkflowKey:   workflowKey,
		WorkflowInput: input,
		SourceType:    "cli",
	}
}

func printTicketSummary(summary *ticket.TicketSummary) {
	t := summary.Ticket
	fmt.Printf("%s  %s\n", t.TicketID, t.Title)
	fmt.Printf("  workflow: %s@%s  stage: %s  status: %s\n", t.WorkflowKey, t.WorkflowVersion, t.Stage, t.Status)
	if t.Paused {
		fmt.Println("  paused")
	}
	if t.ApprovalRequired {
		fmt.Printf("  approval: %s\n", t.ApprovalStatus)
	}
	for _, task := range summary.Tasks {
		fmt.Printf("  task %d [%s] %s attempts=%d/%d", task.ID, task.State, task.TaskKey, task.AttemptCount, task.MaxAttempts)
		if task.ErrorMessage != "" {
			fmt.Printf(" error=%q", task.ErrorMessage)
		}
		fmt.Println()
	}
}
