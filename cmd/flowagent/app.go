package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/config"
	"github.com/eliteGoblin/focusd/flowagent/internal/daemon"
	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/markdown"
	"github.com/eliteGoblin/focusd/flowagent/internal/metrics"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
)

// app holds the infrastructure shared by the controller and the client
// commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     clockwork.Clock
	kv        *infra.EncryptedKVStore
	engine    *schema.Engine
	conn      *nats.Conn // nil without a bus
	transport domain.Transport
	pm        domain.ProcessManager
	registry  *infra.FileRegistry
	converter *markdown.Worker
}

func openApp(clientName string) (*app, error) {
	mode := infra.DetectExecMode()
	cfg, err := config.Load(configPath, mode)
	if err != nil {
		return nil, err
	}
	logger := createLogger(cfg)

	key, err := infra.EnsureKey(infra.NewKeyProvider(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load store key: %w", err)
	}
	kv, err := infra.NewEncryptedKVStore(cfg.DataDir, key, logger)
	if err != nil {
		return nil, err
	}

	clock := clockwork.NewRealClock()
	a := &app{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		kv:     kv,
		engine: schema.NewEngine(schema.Options{
			Clock:                   clock,
			DefaultFocusInterval:    cfg.Focus.DefaultInterval.Duration,
			DefaultExerciseInterval: cfg.Exercise.DefaultInterval.Duration,
		}),
		pm:        infra.NewProcessManager(),
		converter: markdown.NewWorker(markdown.DefaultConfig()),
	}
	a.registry = infra.NewFileRegistry(cfg.DataDir, a.pm)

	if cfg.NATS.URL == "" {
		a.transport = infra.NewLocalTransport()
		return a, nil
	}
	conn, err := infra.ConnectNATS(cfg.NATS.URL, clientName, logger)
	if err != nil {
		// Storage fallback keeps client commands usable without the bus.
		logger.Warn("message bus unavailable", zap.Error(err))
		a.transport = infra.NewLocalTransport()
		return a, nil
	}
	a.conn = conn
	a.transport = infra.NewNATSTransport(conn, cfg.NATS.Prefix, logger)
	return a, nil
}

func (a *app) Close() {
	if a.conn != nil {
		if err := a.conn.Drain(); err != nil {
			a.conn.Close()
		}
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) client(recorder metrics.Recorder) *usecase.Client {
	return usecase.NewClient(a.transport, a.registry, a.kv, a.engine, a.converter, recorder,
		usecase.ClientConfig{
			Timeout:         a.cfg.NATS.RequestTimeout.Duration,
			HeartbeatMaxAge: a.cfg.Controller.HeartbeatMaxAge.Duration,
		}, a.logger)
}

// withClient runs fn with a client bound to a signal-aware context.
func withClient(fn func(ctx context.Context, a *app, c *usecase.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp("flowagent-cli")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a, a.client(nil), args)
	}
}

// Hidden daemon command - used for self-exec when spawning the controller
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp("flowagent-controller")
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		renderer  domain.Renderer
		navigator domain.Navigator
	)
	if a.conn != nil {
		bridge := infra.NewHostBridge(a.conn, cfg.NATS.Prefix, cfg.NATS.RequestTimeout.Duration, logger)
		renderer, navigator = bridge, bridge
	} else {
		host := infra.NewLogHost(logger)
		renderer, navigator = host, host
	}

	scheduler, alarms := daemon.SelectScheduler(cfg.Controller.Scheduler == config.SchedulerPoll,
		a.kv, a.clock, cfg.Controller.FallbackPollInterval.Duration, logger)

	catalog, err := usecase.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	recorder := metrics.NewPrometheusRecorder(nil)

	store := usecase.NewStateStore(a.kv, a.engine, a.transport, recorder, logger)
	timer := usecase.NewFocusTimer(store, scheduler, renderer, catalog, a.clock, usecase.FocusTimerConfig{
		TickInterval: cfg.Focus.TickInterval.Duration,
		PollInterval: cfg.Focus.PollInterval.Duration,
	}, logger)
	gate := usecase.NewDistractionGate(store, a.kv, scheduler, navigator, a.clock, usecase.GateConfig{
		AllowanceWindow: cfg.Gate.AllowanceWindow.Duration,
		LogCap:          cfg.Gate.LogCap,
		PromptURL:       cfg.Gate.PromptURL,
	}, logger)
	breaks := usecase.NewBreakReminder(store, scheduler, renderer, catalog, a.clock, usecase.BreakConfig{
		Interval: cfg.Breaks.Interval.Duration,
		Cooldown: cfg.Breaks.Cooldown.Duration,
	}, logger)
	exercise := usecase.NewExerciseReminder(store, scheduler, renderer, catalog, a.clock, logger)
	handler := usecase.NewRequestHandler(store, policy.NewRegistry(), timer, gate, exercise, a.converter, recorder, logger)

	controller := daemon.NewController(daemon.ControllerConfig{
		HeartbeatInterval: cfg.Controller.HeartbeatInterval.Duration,
		ProbeInterval:     cfg.Controller.ProbeInterval.Duration,
		NATSURL:           cfg.NATS.URL,
		AppVersion:        Version,
	}, daemon.Components{
		Store:          store,
		Reconciler:     usecase.NewReconciler(a.kv, store, policy.NewUIPolicy(), logger),
		Handler:        handler,
		Timer:          timer,
		Gate:           gate,
		Breaks:         breaks,
		Exercise:       exercise,
		Transport:      a.transport,
		Alarms:         alarms,
		Registry:       a.registry,
		ProcessManager: a.pm,
		Recorder:       recorder,
	}, a.clock, logger)

	if cfg.Admin.Addr != "" {
		admin := daemon.NewAdminServer(cfg.Admin.Addr, handler.Handle, recorder.Handler(), catalog.PromptHint, logger)
		go func() {
			if err := admin.Run(ctx); err != nil {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("starting controller",
		zap.String("data_dir", cfg.DataDir),
		zap.String("scheduler", cfg.Controller.Scheduler),
		zap.Bool("bus", a.conn != nil))

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controller failed", zap.Error(err))
		return err
	}
	return nil
}
