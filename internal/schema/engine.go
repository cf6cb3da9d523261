package schema

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

const (
	// DefaultFocusInterval is used when a session starts without a duration.
	DefaultFocusInterval = 25 * time.Minute
	// DefaultExerciseInterval is assigned when exercise nudges are enabled without one.
	DefaultExerciseInterval = 45 * time.Minute
)

// Options configures an Engine.
type Options struct {
	Clock                   clockwork.Clock
	DefaultFocusInterval    time.Duration
	DefaultExerciseInterval time.Duration
}

// Engine normalizes untrusted input and enforces cross-field invariants.
type Engine struct {
	clock           clockwork.Clock
	focusDefault    int64
	exerciseDefault int64
}

// NewEngine creates an invariant engine. Zero options fall back to defaults.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DefaultFocusInterval <= 0 {
		opts.DefaultFocusInterval = DefaultFocusInterval
	}
	if opts.DefaultExerciseInterval <= 0 {
		opts.DefaultExerciseInterval = DefaultExerciseInterval
	}
	return &Engine{
		clock:           opts.Clock,
		focusDefault:    clampInterval(opts.DefaultFocusInterval.Milliseconds()),
		exerciseDefault: clampInterval(opts.DefaultExerciseInterval.Milliseconds()),
	}
}

// Now returns the engine clock time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Defaults returns the canonical record created on first wake.
func (e *Engine) Defaults() domain.State {
	return domain.State{
		DistractionGateEnabled: true,
		DistractingSites:       []string{},
		FocusBlockedSites:      []string{},
	}
}

// Sanitize turns an arbitrary untrusted record into a valid State,
// substituting defaults for missing or mistyped fields.
func (e *Engine) Sanitize(raw map[string]any) domain.State {
	s := e.Defaults()
	e.apply(&s, raw)
	e.enforce(&s)
	return s
}

// ApplyUpdate re-normalizes only the fields present in patch, keeps every
// other field, then re-enforces invariants across the whole record.
func (e *Engine) ApplyUpdate(current domain.State, patch domain.Patch) domain.State {
	next := current.Clone()
	prevDate := next.ExerciseDateKey

	e.apply(&next, patch)

	// A new exercise day resets the counters the patch did not set explicitly.
	if _, ok := patch[KeyExerciseDateKey]; ok && next.ExerciseDateKey != prevDate {
		for _, key := range counterKeys {
			if _, set := patch[key]; !set {
				fieldIndex[key].apply(&next, 0)
			}
		}
	}

	e.enforce(&next)
	return next
}

func (e *Engine) apply(s *domain.State, raw map[string]any) {
	for _, f := range fields {
		if v, ok := raw[f.key]; ok {
			f.apply(s, v)
		}
	}
}

func (e *Engine) enforce(s *domain.State) {
	s.Task = normalizeTask(s.Task)
	s.DistractingSites = renormalize(s.DistractingSites)
	s.FocusBlockedSites = renormalize(s.FocusBlockedSites)

	if s.Task == "" {
		s.IsInFlow = false
	}

	if !s.IsInFlow {
		s.FocusTimerEnabled = false
		s.FocusStartTime = nil
		s.FocusDurationMs = nil
		s.ExpectedEndTime = nil
	} else {
		if s.FocusDurationMs == nil {
			s.FocusDurationMs = domain.Int64(e.focusDefault)
		}
		if s.FocusStartTime == nil {
			s.FocusStartTime = domain.Int64(e.clock.Now().UnixMilli())
		}
		if s.ExpectedEndTime == nil {
			s.ExpectedEndTime = domain.Int64(*s.FocusStartTime + *s.FocusDurationMs)
		}
		s.FocusTimerEnabled = true
	}

	if s.PushupCount < 0 {
		s.PushupCount = 0
	}
	if s.SquatCount < 0 {
		s.SquatCount = 0
	}
	if s.StretchCount < 0 {
		s.StretchCount = 0
	}

	if s.ExerciseNudgesEnabled {
		if s.ExerciseIntervalMs == nil {
			s.ExerciseIntervalMs = domain.Int64(e.exerciseDefault)
		}
	} else {
		s.ExerciseStartTime = nil
		s.ExerciseNextTime = nil
		s.ExerciseRemainingMs = nil
	}
}

func renormalize(list []string) []string {
	out, _ := NormalizeSiteList(list)
	return out
}
