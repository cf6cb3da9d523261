package usecase

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// AlarmWellbeing is the periodic wellbeing nudge alarm.
const AlarmWellbeing = "wellbeing"

// BreakConfig holds wellbeing nudge configuration.
type BreakConfig struct {
	Interval time.Duration // How often the nudge alarm fires
	Cooldown time.Duration // Minimum gap between two shown nudges
}

// DefaultBreakConfig returns default wellbeing nudge configuration.
func DefaultBreakConfig() BreakConfig {
	return BreakConfig{
		Interval: 30 * time.Minute,
		Cooldown: 20 * time.Minute,
	}
}

// BreakReminder shows periodic wellbeing nudges outside focus sessions.
type BreakReminder struct {
	store     *StateStore
	scheduler domain.Scheduler
	renderer  domain.Renderer
	catalog   *Catalog
	clock     clockwork.Clock
	config    BreakConfig
	logger    *zap.Logger
}

// NewBreakReminder creates a break reminder and subscribes it to state changes.
func NewBreakReminder(
	store *StateStore,
	scheduler domain.Scheduler,
	renderer domain.Renderer,
	catalog *Catalog,
	clock clockwork.Clock,
	config BreakConfig,
	logger *zap.Logger,
) *BreakReminder {
	b := &BreakReminder{
		store:     store,
		scheduler: scheduler,
		renderer:  renderer,
		catalog:   catalog,
		clock:     clock,
		config:    config,
		logger:    logger,
	}
	store.Subscribe("break-reminder", b.onChange)
	return b
}

// Resume schedules or clears the alarm to match state.
func (b *BreakReminder) Resume(ctx context.Context) error {
	state, err := b.store.Get(ctx)
	if err != nil {
		return err
	}
	b.sync(state)
	return nil
}

func (b *BreakReminder) onChange(_ context.Context, delta domain.Delta, state domain.State) error {
	if Touches(delta, schema.KeyWellbeingNudgesEnabled) {
		b.sync(state)
	}
	return nil
}

func (b *BreakReminder) sync(state domain.State) {
	if !state.WellbeingNudgesEnabled {
		if err := b.scheduler.Clear(AlarmWellbeing); err != nil {
			b.logger.Warn("failed to clear wellbeing alarm", zap.Error(err))
		}
		return
	}
	if b.scheduler.Has(AlarmWellbeing) {
		return
	}
	if err := b.scheduler.Every(AlarmWellbeing, b.config.Interval); err != nil {
		b.logger.Warn("failed to schedule wellbeing alarm", zap.Error(err))
	}
}

// OnAlarm shows a nudge when enabled, out of flow and past the cooldown.
// It reports whether a nudge was shown.
func (b *BreakReminder) OnAlarm(ctx context.Context) (bool, error) {
	state, err := b.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if !state.WellbeingNudgesEnabled {
		b.sync(state)
		return false, nil
	}
	if state.IsInFlow {
		b.logger.Debug("wellbeing nudge skipped during focus session")
		return false, nil
	}
	now := b.clock.Now()
	if state.LastNudgeAt != nil && now.UnixMilli()-*state.LastNudgeAt < b.config.Cooldown.Milliseconds() {
		return false, nil
	}

	if _, err := b.store.Update(ctx, domain.Patch{schema.KeyLastNudgeAt: now.UnixMilli()}); err != nil {
		return false, err
	}
	if err := b.renderer.ShowMessage(ctx, b.catalog.WellbeingMessage(now.Unix()/60)); err != nil {
		b.logger.Debug("failed to show wellbeing nudge", zap.Error(err))
	}
	return true, nil
}
