package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// AlarmExercise fires when the next exercise prompt is due.
const AlarmExercise = "exercise"

var counterKeyByKind = map[domain.ExerciseKind]string{
	domain.ExercisePushups:   schema.KeyPushupCount,
	domain.ExerciseSquats:    schema.KeySquatCount,
	domain.ExerciseStretches: schema.KeyStretchCount,
}

// ExerciseReminder schedules exercise prompts and pauses them while a focus
// session runs, resuming with the time that was left.
type ExerciseReminder struct {
	store     *StateStore
	scheduler domain.Scheduler
	renderer  domain.Renderer
	catalog   *Catalog
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewExerciseReminder creates an exercise reminder and subscribes it to state changes.
func NewExerciseReminder(
	store *StateStore,
	scheduler domain.Scheduler,
	renderer domain.Renderer,
	catalog *Catalog,
	clock clockwork.Clock,
	logger *zap.Logger,
) *ExerciseReminder {
	e := &ExerciseReminder{
		store:     store,
		scheduler: scheduler,
		renderer:  renderer,
		catalog:   catalog,
		clock:     clock,
		logger:    logger,
	}
	store.Subscribe("exercise-reminder", e.onChange)
	return e
}

// Resume re-derives the exercise timer after the controller starts.
func (e *ExerciseReminder) Resume(ctx context.Context) error {
	state, err := e.store.Get(ctx)
	if err != nil {
		return err
	}
	e.sync(state)
	_, err = e.store.SubmitFunc(e.derive).Wait(ctx)
	return err
}

func (e *ExerciseReminder) onChange(_ context.Context, delta domain.Delta, state domain.State) error {
	if !Touches(delta,
		schema.KeyExerciseNudgesEnabled,
		schema.KeyExerciseIntervalMs,
		schema.KeyExerciseNextTime,
		schema.KeyExerciseRemainingMs,
		schema.KeyIsInFlow) {
		return nil
	}
	e.sync(state)
	// Derived from the record as it is when the step runs, so rapid
	// session toggles always settle on the latest one.
	e.store.SubmitFunc(e.derive)
	return nil
}

// derive returns the patch that moves the exercise timer to where state says
// it should be: running, paused by a focus session, or stopped.
func (e *ExerciseReminder) derive(state domain.State) domain.Patch {
	if !state.ExerciseNudgesEnabled || state.ExerciseIntervalMs == nil {
		return nil
	}
	now := e.clock.Now().UnixMilli()

	switch {
	case state.IsInFlow && state.ExerciseNextTime != nil:
		remaining := *state.ExerciseNextTime - now
		if remaining < 0 {
			remaining = 0
		}
		return domain.Patch{
			schema.KeyExerciseRemainingMs: remaining,
			schema.KeyExerciseNextTime:    nil,
		}
	case state.IsInFlow:
		return nil
	case state.ExerciseRemainingMs != nil:
		return domain.Patch{
			schema.KeyExerciseNextTime:    now + *state.ExerciseRemainingMs,
			schema.KeyExerciseRemainingMs: nil,
		}
	case state.ExerciseNextTime == nil:
		return domain.Patch{
			schema.KeyExerciseStartTime: now,
			schema.KeyExerciseNextTime:  now + *state.ExerciseIntervalMs,
		}
	}
	return nil
}

// sync mirrors the alarm to state without mutating it.
func (e *ExerciseReminder) sync(state domain.State) {
	if state.ExerciseNudgesEnabled && !state.IsInFlow && state.ExerciseNextTime != nil {
		if err := e.scheduler.At(AlarmExercise, time.UnixMilli(*state.ExerciseNextTime)); err != nil {
			e.logger.Warn("failed to schedule exercise alarm", zap.Error(err))
		}
		return
	}
	if err := e.scheduler.Clear(AlarmExercise); err != nil {
		e.logger.Warn("failed to clear exercise alarm", zap.Error(err))
	}
}

// OnAlarm shows an exercise prompt and schedules the next one.
func (e *ExerciseReminder) OnAlarm(ctx context.Context) (bool, error) {
	state, err := e.store.Get(ctx)
	if err != nil {
		return false, err
	}
	if !state.ExerciseNudgesEnabled || state.IsInFlow || state.ExerciseIntervalMs == nil {
		e.sync(state)
		return false, nil
	}

	now := e.clock.Now()
	if _, err := e.store.Update(ctx, domain.Patch{
		schema.KeyExerciseStartTime: now.UnixMilli(),
		schema.KeyExerciseNextTime:  now.UnixMilli() + *state.ExerciseIntervalMs,
	}); err != nil {
		return false, err
	}
	if err := e.renderer.ShowMessage(ctx, e.catalog.ExerciseMessage(now.Unix()/60)); err != nil {
		e.logger.Debug("failed to show exercise prompt", zap.Error(err))
	}
	return true, nil
}

// RecordRep adds count reps of kind to today's counter. A new day starts all
// counters from zero.
func (e *ExerciseReminder) RecordRep(ctx context.Context, kind domain.ExerciseKind, count int) (domain.Delta, error) {
	key, ok := counterKeyByKind[kind]
	if !ok {
		return nil, fmt.Errorf("unknown exercise kind %q", kind)
	}
	if count <= 0 {
		count = 1
	}
	return e.store.SubmitFunc(func(state domain.State) domain.Patch {
		today := schema.DateKey(e.clock.Now())
		base := 0
		if state.ExerciseDateKey == today {
			v, _ := schema.Value(state, key)
			base, _ = v.(int)
		}
		return domain.Patch{
			schema.KeyExerciseDateKey: today,
			key:                       base + count,
		}
	}).Wait(ctx)
}
