package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

func TestBreakReminder_Nudges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	shown, err := h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, shown, "nudges are off by default")

	_, err = h.store.Update(ctx, domain.Patch{"wellbeingNudgesEnabled": true})
	require.NoError(t, err)
	alarm, ok := h.scheduler.Get(AlarmWellbeing)
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, alarm.Period)

	shown, err = h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
	s := h.state(t)
	require.NotNil(t, s.LastNudgeAt)
	assert.Equal(t, testStart.UnixMilli(), *s.LastNudgeAt)
	require.Len(t, h.renderer.MessageList(), 1)
	assert.Contains(t, h.catalog.Wellbeing, h.renderer.MessageList()[0])

	h.clock.Advance(10 * time.Minute)
	shown, err = h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, shown, "within cooldown")

	h.clock.Advance(15 * time.Minute)
	shown, err = h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
	assert.Len(t, h.renderer.MessageList(), 2)
}

func TestBreakReminder_QuietDuringFocus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Update(ctx, domain.Patch{"wellbeingNudgesEnabled": true, "task": "deep work", "isInFlow": true})
	require.NoError(t, err)

	shown, err := h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, shown)
	assert.Empty(t, h.renderer.MessageList())
}

func TestBreakReminder_DisableClearsAlarm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Update(ctx, domain.Patch{"wellbeingNudgesEnabled": true})
	require.NoError(t, err)
	require.True(t, h.scheduler.Has(AlarmWellbeing))

	_, err = h.store.Update(ctx, domain.Patch{"wellbeingNudgesEnabled": false})
	require.NoError(t, err)
	assert.False(t, h.scheduler.Has(AlarmWellbeing))

	// A stale alarm firing after disable only re-syncs.
	require.NoError(t, h.scheduler.Every(AlarmWellbeing, time.Minute))
	shown, err := h.breaks.OnAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, shown)
	assert.False(t, h.scheduler.Has(AlarmWellbeing))
}

func enableExercise(t *testing.T, h *harness) int64 {
	t.Helper()
	_, err := h.store.Update(context.Background(), domain.Patch{"exerciseNudgesEnabled": true})
	require.NoError(t, err)
	h.settle(t)

	s := h.state(t)
	require.NotNil(t, s.ExerciseNextTime)
	return *s.ExerciseNextTime
}

func TestExerciseReminder_StartsOnEnable(t *testing.T) {
	h := newHarness(t)

	next := enableExercise(t, h)
	assert.Equal(t, testStart.Add(45*time.Minute).UnixMilli(), next)

	s := h.state(t)
	require.NotNil(t, s.ExerciseStartTime)
	assert.Equal(t, testStart.UnixMilli(), *s.ExerciseStartTime)

	alarm, ok := h.scheduler.Get(AlarmExercise)
	require.True(t, ok)
	assert.Equal(t, next, alarm.At.UnixMilli())
}

func TestExerciseReminder_PausesDuringFocus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	enableExercise(t, h)

	h.clock.Advance(5 * time.Minute)
	_, err := h.timer.Start(ctx, "deep work", time.Hour)
	require.NoError(t, err)
	h.settle(t)

	s := h.state(t)
	assert.Nil(t, s.ExerciseNextTime)
	require.NotNil(t, s.ExerciseRemainingMs)
	assert.Equal(t, (40 * time.Minute).Milliseconds(), *s.ExerciseRemainingMs)
	assert.False(t, h.scheduler.Has(AlarmExercise))

	h.clock.Advance(30 * time.Minute)
	_, err = h.timer.Stop(ctx)
	require.NoError(t, err)
	h.settle(t)

	s = h.state(t)
	assert.Nil(t, s.ExerciseRemainingMs)
	require.NotNil(t, s.ExerciseNextTime)
	want := testStart.Add(35*time.Minute + 40*time.Minute).UnixMilli()
	assert.Equal(t, want, *s.ExerciseNextTime)

	alarm, ok := h.scheduler.Get(AlarmExercise)
	require.True(t, ok)
	assert.Equal(t, want, alarm.At.UnixMilli())
}

func TestExerciseReminder_RapidTogglesSettle(t *testing.T) {
	h := newHarness(t)
	next := enableExercise(t, h)

	h.store.Submit(domain.Patch{"task": "quick check", "isInFlow": true})
	h.store.Submit(domain.Patch{"isInFlow": false})
	h.store.Submit(domain.Patch{"isInFlow": true})
	h.store.Submit(domain.Patch{"isInFlow": false})
	h.settle(t)

	s := h.state(t)
	assert.False(t, s.IsInFlow)
	assert.Nil(t, s.ExerciseRemainingMs)
	require.NotNil(t, s.ExerciseNextTime)
	assert.Equal(t, next, *s.ExerciseNextTime)
	assert.True(t, h.scheduler.Has(AlarmExercise))
}

func TestExerciseReminder_AlarmReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	enableExercise(t, h)

	h.clock.Advance(45 * time.Minute)
	shown, err := h.exercise.OnAlarm(ctx)
	require.NoError(t, err)
	assert.True(t, shown)
	h.settle(t)

	s := h.state(t)
	require.NotNil(t, s.ExerciseNextTime)
	assert.Equal(t, testStart.Add(90*time.Minute).UnixMilli(), *s.ExerciseNextTime)
	assert.Len(t, h.renderer.MessageList(), 1)

	_, err = h.timer.Start(ctx, "deep work", 0)
	require.NoError(t, err)
	shown, err = h.exercise.OnAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, shown, "no prompts during a focus session")
}

func TestExerciseReminder_DisableClears(t *testing.T) {
	h := newHarness(t)
	enableExercise(t, h)

	_, err := h.store.Update(context.Background(), domain.Patch{"exerciseNudgesEnabled": false})
	require.NoError(t, err)
	h.settle(t)

	s := h.state(t)
	assert.Nil(t, s.ExerciseNextTime)
	assert.Nil(t, s.ExerciseStartTime)
	assert.False(t, h.scheduler.Has(AlarmExercise))
}

func TestExerciseReminder_RecordRep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.exercise.RecordRep(ctx, domain.ExercisePushups, 10)
	require.NoError(t, err)
	delta, err := h.exercise.RecordRep(ctx, domain.ExercisePushups, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, delta["pushupCount"])

	s := h.state(t)
	assert.Equal(t, 15, s.PushupCount)
	assert.Equal(t, "2026-10-17", s.ExerciseDateKey)

	h.clock.Advance(24 * time.Hour)
	_, err = h.exercise.RecordRep(ctx, domain.ExerciseSquats, 3)
	require.NoError(t, err)

	s = h.state(t)
	assert.Equal(t, 0, s.PushupCount, "a new day starts from zero")
	assert.Equal(t, 3, s.SquatCount)
	assert.Equal(t, "2026-10-18", s.ExerciseDateKey)

	_, err = h.exercise.RecordRep(ctx, "jumping-jacks", 1)
	assert.Error(t, err)
}
