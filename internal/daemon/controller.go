// Package daemon runs the background controller and its admin endpoint.
package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/metrics"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
)

// ControllerConfig holds controller loop configuration.
type ControllerConfig struct {
	HeartbeatInterval time.Duration // How often the registry heartbeat is refreshed
	ProbeInterval     time.Duration // How often the focus timer is re-derived
	NATSURL           string        // Advertised to clients through the registry
	AppVersion        string
}

// DefaultControllerConfig returns default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		HeartbeatInterval: 30 * time.Second,
		ProbeInterval:     15 * time.Second,
	}
}

// AlarmDriver delivers scheduler alarms to the controller.
type AlarmDriver interface {
	// Start begins delivery and restores persisted alarms. It does not block.
	Start(ctx context.Context, fire infra.AlarmFunc) error
	// Stop ends delivery.
	Stop() error
}

// Components are the pieces the controller drives.
type Components struct {
	Store          *usecase.StateStore
	Reconciler     *usecase.Reconciler
	Handler        *usecase.RequestHandler
	Timer          *usecase.FocusTimer
	Gate           *usecase.DistractionGate
	Breaks         *usecase.BreakReminder
	Exercise       *usecase.ExerciseReminder
	Transport      domain.Transport
	Alarms         AlarmDriver
	Registry       domain.ControllerRegistry
	ProcessManager domain.ProcessManager
	Recorder       metrics.Recorder // may be nil
}

// Controller is the background owner of the state record. It serves
// requests, reconciles direct storage writes and dispatches alarms.
type Controller struct {
	config ControllerConfig
	c      Components
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewController creates a controller.
func NewController(config ControllerConfig, c Components, clock clockwork.Clock, logger *zap.Logger) *Controller {
	if c.Recorder == nil {
		c.Recorder = metrics.NoopRecorder{}
	}
	return &Controller{config: config, c: c, clock: clock, logger: logger}
}

// Run starts the controller and blocks until ctx is canceled.
func (ctl *Controller) Run(ctx context.Context) error {
	entry := domain.ControllerEntry{
		PID:        ctl.c.ProcessManager.GetCurrentPID(),
		NATSURL:    ctl.config.NATSURL,
		AppVersion: ctl.config.AppVersion,
	}
	if err := ctl.c.Registry.Register(entry); err != nil {
		ctl.logger.Error("failed to register controller", zap.Error(err))
		return err
	}
	defer func() {
		if err := ctl.c.Registry.Clear(); err != nil {
			ctl.logger.Warn("failed to clear registry", zap.Error(err))
		}
	}()

	ctl.logger.Info("controller started",
		zap.Int("pid", entry.PID),
		zap.String("version", ctl.config.AppVersion))

	// A failed load is retried by the first request that needs state.
	if err := ctl.c.Store.EnsureHydrated(ctx); err != nil {
		ctl.logger.Warn("initial hydration failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctl.c.Reconciler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			ctl.logger.Error("reconciler stopped", zap.Error(err))
		}
		return nil
	})

	if err := ctl.c.Transport.Serve(gctx, ctl.c.Handler.Handle); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	if err := ctl.c.Alarms.Start(gctx, ctl.Dispatch); err != nil {
		ctl.logger.Error("failed to start alarm scheduler", zap.Error(err))
	}
	defer func() {
		if err := ctl.c.Alarms.Stop(); err != nil {
			ctl.logger.Warn("failed to stop alarm scheduler", zap.Error(err))
		}
	}()
	defer ctl.c.Timer.Close()

	ctl.resume(gctx)

	g.Go(func() error {
		return ctl.loop(gctx)
	})

	err := g.Wait()
	ctl.logger.Info("controller stopping")
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (ctl *Controller) resume(ctx context.Context) {
	resumers := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"focus-timer", ctl.c.Timer.Resume},
		{"break-reminder", ctl.c.Breaks.Resume},
		{"exercise-reminder", ctl.c.Exercise.Resume},
		{"distraction-gate", ctl.c.Gate.Resume},
	}
	for _, r := range resumers {
		if err := r.fn(ctx); err != nil {
			ctl.logger.Warn("failed to resume", zap.String("subsystem", r.name), zap.Error(err))
		}
	}
}

func (ctl *Controller) loop(ctx context.Context) error {
	heartbeat := ctl.clock.NewTicker(ctl.config.HeartbeatInterval)
	probe := ctl.clock.NewTicker(ctl.config.ProbeInterval)
	defer heartbeat.Stop()
	defer probe.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.Chan():
			if err := ctl.c.Registry.UpdateHeartbeat(); err != nil {
				ctl.logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-probe.Chan():
			if err := ctl.c.Timer.Probe(ctx); err != nil {
				ctl.logger.Debug("liveness probe failed", zap.Error(err))
			}

		case <-hup:
			ctl.Suspend(ctx)
		}
	}
}

// Suspend drops the in-memory record once queued writes finish.
func (ctl *Controller) Suspend(ctx context.Context) {
	if _, err := ctl.c.Store.Suspend().Wait(ctx); err != nil {
		ctl.logger.Warn("suspend did not complete", zap.Error(err))
	}
}

// Dispatch routes a fired alarm to the subsystem that owns it.
func (ctl *Controller) Dispatch(ctx context.Context, name string) {
	ctl.c.Recorder.IncAlarm(name)

	var err error
	switch {
	case strings.HasPrefix(name, "focus-"):
		err = ctl.c.Timer.OnAlarm(ctx, name)
	case name == usecase.AlarmWellbeing:
		_, err = ctl.c.Breaks.OnAlarm(ctx)
	case name == usecase.AlarmExercise:
		_, err = ctl.c.Exercise.OnAlarm(ctx)
	default:
		target, ok := usecase.TargetFromAlarm(name)
		if !ok {
			ctl.logger.Warn("unknown alarm", zap.String("alarm", name))
			return
		}
		_, err = ctl.c.Gate.OnExpire(ctx, target)
	}
	if err != nil {
		ctl.logger.Error("alarm handler failed", zap.String("alarm", name), zap.Error(err))
	}
}
