package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/songzhibin97/gkit/generator"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/approval"
	"github.com/songzhibin97/jobflow/audit"
	"github.com/songzhibin97/jobflow/config"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/logging"
	"github.com/songzhibin97/jobflow/metrics"
	"github.com/songzhibin97/jobflow/server"
	"github.com/songzhibin97/jobflow/workflow"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address, overrides server.addr",
				Sources: cli.EnvVars("JOBFLOW_ADDR"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}
			if addr := command.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	epoch, err := cfg.Epoch()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewEventBus(
		events.WithBufferSize(cfg.Engine.BusBufferSize),
		events.WithLogger(logging.WithModule(logger, "events")),
	)
	defer bus.Stop()

	sink := audit.NewStoreSink(store, logging.WithModule(logger, "audit"))
	engine, err := workflow.NewEngine(
		generator.NewSnowflake(epoch, 1),
		store,
		newMailer(cfg, logger),
		workflow.WithAudit(sink),
		workflow.WithEventBus(bus),
		workflow.WithMetrics(m),
		workflow.WithLogger(logging.WithModule(logger, "engine")),
		workflow.WithStrictEvents(cfg.Engine.StrictEvents),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine.Subscribe(bus)

	approvals := approval.NewService(store,
		approval.WithAudit(sink),
		approval.WithMetrics(m),
		approval.WithLogger(logging.WithModule(logger, "approval")),
	)

	srv := server.New(engine, store, approvals,
		server.WithEventBus(bus),
		server.WithGatherer(reg),
		server.WithLogger(logging.WithModule(logger, "http")),
	)

	logger.Info("starting jobflow",
		zap.String("rules", cfg.Storage.Rules),
		zap.String("records", cfg.Storage.Records),
		zap.String("mail", cfg.Mail.Driver),
		zap.Bool("strict_events", cfg.Engine.StrictEvents))

	return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
}
