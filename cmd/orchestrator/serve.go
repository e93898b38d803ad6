package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/orchestrator/alerts"
	"github.com/vinayprograms/orchestrator/api"
	"github.com/vinayprograms/orchestrator/approval"
	"github.com/vinayprograms/orchestrator/config"
	"github.com/vinayprograms/orchestrator/credentials"
	"github.com/vinayprograms/orchestrator/handlers"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/milestone"
	"github.com/vinayprograms/orchestrator/scheduler"
	"github.com/vinayprograms/orchestrator/shutdown"
	"github.com/vinayprograms/orchestrator/spawner"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/tasks"
	"github.com/vinayprograms/orchestrator/telemetry"
	"github.com/vinayprograms/orchestrator/toolgate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task engine, scheduler, milestone delivery and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.Path() != "" {
		logger.Info("loaded configuration", map[string]interface{}{"path": cfg.Path()})
	}

	creds, credPath, err := loadCredentials()
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if credPath != "" {
		logger.Info("loaded credentials", map[string]interface{}{"path": credPath})
	}

	coord := shutdown.NewCoordinator(cfg.Shutdown)
	coord.SetLogger(logger)
	parent, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	ctx := coord.HandleSignals(parent)

	tracer, err := setupTracing(ctx, cfg, coord, logger)
	if err != nil {
		return err
	}

	store := state.Open(cfg.State.Path, cfg.State.Limits, logger)

	escalator, err := setupAlerts(cfg, creds, logger)
	if err != nil {
		return err
	}

	gate, err := loadApprovalGate(cfg)
	if err != nil {
		return err
	}

	var manifest *toolgate.Manifest
	if cfg.ToolGate.ManifestFile != "" {
		if manifest, err = toolgate.LoadManifest(cfg.ToolGate.ManifestFile); err != nil {
			return err
		}
	} else {
		logger.Warn("no toolgate manifest configured, agent-backed tasks will be denied")
	}

	spawnOpts := []spawner.Option{spawner.WithLogger(logger), spawner.WithTracer(tracer)}
	if cfg.Tasks.AgentTempDir != "" {
		spawnOpts = append(spawnOpts, spawner.WithTempDir(cfg.Tasks.AgentTempDir))
	}
	agents := spawner.New(cfg.Agents, spawnOpts...)

	mcfg := cfg.Milestone
	mcfg.Secret = creds.SigningSecret()
	pipeline := milestone.New(store, mcfg,
		milestone.WithAlerter(escalator),
		milestone.WithLogger(logger),
		milestone.WithTracer(tracer),
	)
	if !pipeline.Configured() {
		logger.Warn("milestone delivery disabled: ingest_url or signing secret missing, events stay pending")
	}

	table := handlers.New(handlers.Deps{
		Store:      store,
		Agents:     agents,
		Milestones: pipeline,
		Logger:     logger,
	})
	engine := tasks.NewEngine(store, table,
		tasks.WithConfig(cfg.Tasks.Engine()),
		tasks.WithApprovalGate(gate),
		tasks.WithToolGate(toolgate.NewLocalGate(manifest)),
		tasks.WithAlerter(escalator),
		tasks.WithLogger(logger),
		tasks.WithTracer(tracer),
	)

	sched, err := scheduler.New(engine, cfg.Schedule, scheduler.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Tasks:          engine,
			Approvals:      approval.NewService(gate, store, engine, logger),
			Milestones:     pipeline,
			Schedules:      sched,
			Logger:         logger,
			Token:          creds.APIToken(),
			RequestTimeout: cfg.HTTP.RequestTimeout,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	if _, err := engine.Enqueue(tasks.KindStartup.String(), nil); err != nil {
		return err
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()
	deliveryDone := make(chan struct{})
	go func() {
		defer close(deliveryDone)
		pipeline.Run(ctx)
	}()
	sched.Start()
	go func() {
		logger.Info("http api listening", map[string]interface{}{"addr": cfg.HTTP.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http api failed", map[string]interface{}{"error": err.Error()})
			cancel()
		}
	}()

	coord.Register("http", shutdown.PhaseIntake, srv.Shutdown)
	coord.Register("scheduler", shutdown.PhaseIntake, sched.Stop)
	coord.Register("engine", shutdown.PhaseWorkers, func(ctx context.Context) error {
		engine.Close()
		return waitFor(ctx, engineDone)
	})
	coord.Register("milestones", shutdown.PhaseWorkers, func(ctx context.Context) error {
		return waitFor(ctx, deliveryDone)
	})
	coord.Register("state", shutdown.PhaseFlush, func(ctx context.Context) error {
		return store.Flush()
	})
	coord.Register("alerts", shutdown.PhaseFlush, func(ctx context.Context) error {
		return escalator.Close()
	})

	<-ctx.Done()
	<-coord.Done()
	if res := coord.Result(); res != nil && res.Err != nil {
		return fmt.Errorf("shutdown: %w (failed: %v)", res.Err, res.FailedHandlers())
	}
	logger.Info("orchestrator stopped")
	return nil
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func setupTracing(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, logger *logging.Logger) (*telemetry.Tracer, error) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NoopTracer(), nil
	}
	exporter, err := telemetry.StartExporter(ctx, telemetry.ExportConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		Debug:          cfg.Telemetry.Debug,
		Headers:        cfg.Telemetry.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	coord.Register("telemetry", shutdown.PhaseFlush, exporter.Shutdown)
	logger.Info("span export enabled", map[string]interface{}{"protocol": cfg.Telemetry.Protocol})
	return exporter.Tracer(), nil
}

func setupAlerts(cfg *config.Config, creds *credentials.Credentials, logger *logging.Logger) (*alerts.Escalator, error) {
	sinks := []alerts.Sink{alerts.NewLogSink(logger)}
	if cfg.Alerts.NATSURL != "" {
		ncfg := alerts.DefaultNATSConfig()
		ncfg.URL = cfg.Alerts.NATSURL
		if cfg.Alerts.Subject != "" {
			ncfg.Subject = cfg.Alerts.Subject
		}
		ncfg.Token = creds.NATSToken()
		sink, err := alerts.NewNATSSink(ncfg)
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return alerts.NewEscalator(cfg.Tasks.AlertThreshold, logger, sinks...), nil
}

func loadApprovalGate(cfg *config.Config) (*approval.Gate, error) {
	if cfg.Approval.PolicyFile == "" {
		return approval.NewGate(nil), nil
	}
	p, err := approval.LoadPolicy(cfg.Approval.PolicyFile)
	if err != nil {
		return nil, err
	}
	return approval.NewGate(p), nil
}
