package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// Focus timer alarm names.
const (
	AlarmFocusEnd  = "focus-end"
	AlarmFocusTick = "focus-tick"
)

// TimerPhase is the derived state of the focus session timer.
type TimerPhase string

const (
	PhaseIdle    TimerPhase = "idle"
	PhaseRunning TimerPhase = "running"
	PhaseExpired TimerPhase = "expired"
)

// Phase derives the timer phase from state at now. It is never stored.
func Phase(s domain.State, now time.Time) TimerPhase {
	if !s.IsInFlow || s.ExpectedEndTime == nil {
		return PhaseIdle
	}
	if now.UnixMilli() >= *s.ExpectedEndTime {
		return PhaseExpired
	}
	return PhaseRunning
}

// FormatCountdown renders remaining time as MM:SS, rounding up to the next
// second so the display never shows 00:00 while time is left.
func FormatCountdown(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	secs := int64((remaining + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// FocusTimerConfig holds focus timer configuration.
type FocusTimerConfig struct {
	TickInterval time.Duration // Period of the focus-tick alarm
	PollInterval time.Duration // Period of the in-process fallback poller
}

// DefaultFocusTimerConfig returns default focus timer configuration.
func DefaultFocusTimerConfig() FocusTimerConfig {
	return FocusTimerConfig{
		TickInterval: time.Second,
		PollInterval: time.Second,
	}
}

// FocusTimer drives the Deep Work session: it schedules the end alarm,
// renders the countdown and ends expired sessions.
type FocusTimer struct {
	store     *StateStore
	scheduler domain.Scheduler
	renderer  domain.Renderer
	catalog   *Catalog
	clock     clockwork.Clock
	config    FocusTimerConfig
	logger    *zap.Logger

	mu           sync.Mutex
	tickSeen     bool
	pollerCancel context.CancelFunc
}

// NewFocusTimer creates a focus timer and subscribes it to state changes.
func NewFocusTimer(
	store *StateStore,
	scheduler domain.Scheduler,
	renderer domain.Renderer,
	catalog *Catalog,
	clock clockwork.Clock,
	config FocusTimerConfig,
	logger *zap.Logger,
) *FocusTimer {
	t := &FocusTimer{
		store:     store,
		scheduler: scheduler,
		renderer:  renderer,
		catalog:   catalog,
		clock:     clock,
		config:    config,
		logger:    logger,
	}
	store.Subscribe("focus-timer", t.onChange)
	return t
}

// Start begins a session. interval <= 0 uses the default focus interval.
func (t *FocusTimer) Start(ctx context.Context, task string, interval time.Duration) (domain.Delta, error) {
	if strings.TrimSpace(task) == "" {
		return nil, domain.ErrEmptyTask
	}
	now := t.clock.Now().UnixMilli()
	patch := domain.Patch{
		schema.KeyTask:            task,
		schema.KeyIsInFlow:        true,
		schema.KeyFocusStartTime:  now,
		schema.KeyExpectedEndTime: nil,
		schema.KeyFocusDurationMs: nil,
	}
	if interval > 0 {
		patch[schema.KeyFocusDurationMs] = interval.Milliseconds()
	}
	// End time is recomputed by the engine from the clamped duration.
	return t.store.Update(ctx, patch)
}

// Stop ends the session early. The task is kept.
func (t *FocusTimer) Stop(ctx context.Context) (domain.Delta, error) {
	return t.store.Update(ctx, domain.Patch{schema.KeyIsInFlow: false})
}

// OnAlarm handles the focus-end and focus-tick alarms.
func (t *FocusTimer) OnAlarm(ctx context.Context, name string) error {
	if name == AlarmFocusTick {
		t.mu.Lock()
		t.tickSeen = true
		t.mu.Unlock()
		t.stopPoller()
	}
	return t.Probe(ctx)
}

// Probe re-derives the timer from state. An expired session is committed as
// ended before the countdown is cleared.
func (t *FocusTimer) Probe(ctx context.Context) error {
	state, err := t.store.Get(ctx)
	if err != nil {
		return err
	}
	now := t.clock.Now()

	switch Phase(state, now) {
	case PhaseExpired:
		// Re-checked inside the chain: a session started after the read
		// above must survive.
		delta, err := t.store.SubmitFunc(func(current domain.State) domain.Patch {
			if Phase(current, t.clock.Now()) != PhaseExpired {
				return nil
			}
			return domain.Patch{
				schema.KeyIsInFlow:          false,
				schema.KeyTask:              "",
				schema.KeyFocusTimerEnabled: false,
			}
		}).Wait(ctx)
		if err != nil {
			t.logger.Error("failed to end expired session", zap.Error(err))
			return err
		}
		if !Touches(delta, schema.KeyIsInFlow) {
			// Already ended by another probe, or replaced by a new session.
			return nil
		}
		t.clearAlarms()
		t.stopPoller()
		t.render(ctx, "")
		t.logger.Info("focus session completed")
		if err := t.renderer.ShowMessage(ctx, t.catalog.FocusComplete); err != nil {
			t.logger.Debug("failed to show completion message", zap.Error(err))
		}
	case PhaseRunning:
		t.render(ctx, FormatCountdown(time.Duration(*state.ExpectedEndTime-now.UnixMilli())*time.Millisecond))
	case PhaseIdle:
		t.clearAlarms()
		t.stopPoller()
	}
	return nil
}

// Resume re-derives alarms and rendering after the controller starts.
func (t *FocusTimer) Resume(ctx context.Context) error {
	state, err := t.store.Get(ctx)
	if err != nil {
		return err
	}
	t.sync(state)
	return t.Probe(ctx)
}

// Close stops the fallback poller.
func (t *FocusTimer) Close() {
	t.stopPoller()
}

func (t *FocusTimer) onChange(ctx context.Context, delta domain.Delta, state domain.State) error {
	if !Touches(delta,
		schema.KeyIsInFlow,
		schema.KeyFocusStartTime,
		schema.KeyFocusDurationMs,
		schema.KeyExpectedEndTime,
		schema.KeyFocusTimerEnabled) {
		return nil
	}
	t.sync(state)
	if Phase(state, t.clock.Now()) == PhaseIdle {
		t.render(ctx, "")
	}
	return nil
}

// sync schedules or clears alarms to match state. It never mutates state, so
// it is safe to call from inside the mutation chain.
func (t *FocusTimer) sync(state domain.State) {
	switch Phase(state, t.clock.Now()) {
	case PhaseIdle:
		t.clearAlarms()
		t.stopPoller()
	case PhaseExpired:
		// Fires immediately; the alarm handler ends the session.
		if err := t.scheduler.At(AlarmFocusEnd, t.clock.Now()); err != nil {
			t.logger.Warn("failed to schedule focus end", zap.Error(err))
		}
	case PhaseRunning:
		end := time.UnixMilli(*state.ExpectedEndTime)
		if err := t.scheduler.At(AlarmFocusEnd, end); err != nil {
			t.logger.Warn("failed to schedule focus end", zap.Error(err))
		}
		if !t.scheduler.Has(AlarmFocusTick) {
			if err := t.scheduler.Every(AlarmFocusTick, t.config.TickInterval); err != nil {
				t.logger.Warn("failed to schedule focus tick", zap.Error(err))
			}
		}
		t.mu.Lock()
		confirmed := t.tickSeen && t.scheduler.Available()
		t.mu.Unlock()
		if !confirmed {
			t.startPoller()
		}
	}
}

func (t *FocusTimer) clearAlarms() {
	for _, name := range []string{AlarmFocusEnd, AlarmFocusTick} {
		if err := t.scheduler.Clear(name); err != nil {
			t.logger.Warn("failed to clear alarm", zap.String("alarm", name), zap.Error(err))
		}
	}
}

func (t *FocusTimer) render(ctx context.Context, text string) {
	if err := t.renderer.ShowCountdown(ctx, text); err != nil {
		t.logger.Debug("failed to render countdown", zap.Error(err))
	}
}

// startPoller renders the countdown in-process until the primary scheduler
// proves itself with a tick, or the session ends.
func (t *FocusTimer) startPoller() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pollerCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.pollerCancel = cancel

	go func() {
		ticker := t.clock.NewTicker(t.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := t.Probe(ctx); err != nil && ctx.Err() == nil {
					t.logger.Debug("fallback probe failed", zap.Error(err))
				}
			}
		}
	}()
	t.logger.Debug("focus fallback poller started")
}

func (t *FocusTimer) stopPoller() {
	t.mu.Lock()
	cancel := t.pollerCancel
	t.pollerCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// PollerActive reports whether the fallback poller is running.
func (t *FocusTimer) PollerActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollerCancel != nil
}
