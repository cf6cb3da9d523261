package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
)

// newAlarmScheduler is swapped in tests.
var newAlarmScheduler = infra.NewAlarmScheduler

// SelectScheduler returns the scheduler the subsystems register alarms with
// and the driver the controller starts. The durable gocron scheduler is used
// unless polling is requested or it cannot be created, in which case the
// in-process polling scheduler takes over.
func SelectScheduler(
	polling bool,
	store domain.AlarmStore,
	clock clockwork.Clock,
	pollInterval time.Duration,
	logger *zap.Logger,
) (domain.Scheduler, AlarmDriver) {
	if !polling {
		s, err := newAlarmScheduler(store, clock, logger)
		if err == nil {
			return s, GocronDriver{Scheduler: s}
		}
		logger.Warn("durable scheduler unavailable, falling back to polling", zap.Error(err))
	}
	s := infra.NewPollingScheduler(clock, pollInterval, logger)
	return s, &PollingDriver{Scheduler: s}
}

// GocronDriver delivers alarms from the durable gocron scheduler.
type GocronDriver struct {
	Scheduler *infra.AlarmScheduler
}

// Start starts the scheduler and re-registers the persisted alarms.
func (d GocronDriver) Start(ctx context.Context, fire infra.AlarmFunc) error {
	d.Scheduler.Start(ctx, fire)
	if err := d.Scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore alarms: %w", err)
	}
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (d GocronDriver) Stop() error {
	return d.Scheduler.Shutdown()
}

// PollingDriver delivers alarms from the in-process polling scheduler.
// Nothing is restored: its alarms do not outlive the process, so subsystems
// re-derive them on resume.
type PollingDriver struct {
	Scheduler *infra.PollingScheduler

	cancel context.CancelFunc
}

// Start runs the polling loop in the background until Stop or ctx ends.
func (d *PollingDriver) Start(ctx context.Context, fire infra.AlarmFunc) error {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.Scheduler.Run(ctx, fire)
	return nil
}

// Stop ends the polling loop.
func (d *PollingDriver) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

var (
	_ AlarmDriver = GocronDriver{}
	_ AlarmDriver = (*PollingDriver)(nil)
)
