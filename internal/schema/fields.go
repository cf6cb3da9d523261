// Package schema defines the canonical state shape and the invariant engine
// that turns untrusted partial updates into a consistent State.
// Nothing in this package performs I/O; the only impurity is the injected clock.
package schema

import (
	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// Persisted key names.
const (
	KeyTask                   = "task"
	KeyIsInFlow               = "isInFlow"
	KeyFocusTimerEnabled      = "focusTimerEnabled"
	KeyDistractionGateEnabled = "distractionGateEnabled"
	KeyWellbeingNudgesEnabled = "wellbeingNudgesEnabled"
	KeyExerciseNudgesEnabled  = "exerciseNudgesEnabled"
	KeyOnboardingSeen         = "onboardingSeen"
	KeyDistractingSites       = "distractingSites"
	KeyFocusBlockedSites      = "focusBlockedSites"
	KeyFocusStartTime         = "focusStartTime"
	KeyFocusDurationMs        = "focusDurationMs"
	KeyExpectedEndTime        = "expectedEndTime"
	KeyExerciseStartTime      = "exerciseStartTime"
	KeyExerciseIntervalMs     = "exerciseIntervalMs"
	KeyExerciseNextTime       = "exerciseNextTime"
	KeyExerciseRemainingMs    = "exerciseRemainingMs"
	KeyLastNudgeAt            = "lastNudgeAt"
	KeyExerciseDateKey        = "exerciseDateKey"
	KeyPushupCount            = "pushupCount"
	KeySquatCount             = "squatCount"
	KeyStretchCount           = "stretchCount"
)

// Limits enforced by the engine.
const (
	MaxTaskLength     = 120
	MaxSites          = 200
	MaxHostnameLength = 253
	MinIntervalMs     = int64(60_000)
	MaxIntervalMs     = int64(86_400_000)
)

// FeaturePrefixes are storage key prefixes owned by subsystems rather than the
// State record. Hydration keeps them; every other unknown key is removed.
var FeaturePrefixes = []string{"gate:"}

// field binds one persisted key to its State storage and normalization rule.
type field struct {
	key   string
	value func(s *domain.State) any
	apply func(s *domain.State, raw any)
}

var fields = []field{
	taskField(KeyTask),
	boolField(KeyIsInFlow, func(s *domain.State) *bool { return &s.IsInFlow }),
	boolField(KeyFocusTimerEnabled, func(s *domain.State) *bool { return &s.FocusTimerEnabled }),
	boolField(KeyDistractionGateEnabled, func(s *domain.State) *bool { return &s.DistractionGateEnabled }),
	boolField(KeyWellbeingNudgesEnabled, func(s *domain.State) *bool { return &s.WellbeingNudgesEnabled }),
	boolField(KeyExerciseNudgesEnabled, func(s *domain.State) *bool { return &s.ExerciseNudgesEnabled }),
	boolField(KeyOnboardingSeen, func(s *domain.State) *bool { return &s.OnboardingSeen }),
	sitesField(KeyDistractingSites, func(s *domain.State) *[]string { return &s.DistractingSites }),
	sitesField(KeyFocusBlockedSites, func(s *domain.State) *[]string { return &s.FocusBlockedSites }),
	nullableField(KeyFocusStartTime, func(s *domain.State) **int64 { return &s.FocusStartTime }, normalizeTimestamp),
	nullableField(KeyFocusDurationMs, func(s *domain.State) **int64 { return &s.FocusDurationMs }, normalizeInterval),
	nullableField(KeyExpectedEndTime, func(s *domain.State) **int64 { return &s.ExpectedEndTime }, normalizeTimestamp),
	nullableField(KeyExerciseStartTime, func(s *domain.State) **int64 { return &s.ExerciseStartTime }, normalizeTimestamp),
	nullableField(KeyExerciseIntervalMs, func(s *domain.State) **int64 { return &s.ExerciseIntervalMs }, normalizeInterval),
	nullableField(KeyExerciseNextTime, func(s *domain.State) **int64 { return &s.ExerciseNextTime }, normalizeTimestamp),
	nullableField(KeyExerciseRemainingMs, func(s *domain.State) **int64 { return &s.ExerciseRemainingMs }, normalizeRemaining),
	nullableField(KeyLastNudgeAt, func(s *domain.State) **int64 { return &s.LastNudgeAt }, normalizeTimestamp),
	dateKeyField(KeyExerciseDateKey),
	counterField(KeyPushupCount, func(s *domain.State) *int { return &s.PushupCount }),
	counterField(KeySquatCount, func(s *domain.State) *int { return &s.SquatCount }),
	counterField(KeyStretchCount, func(s *domain.State) *int { return &s.StretchCount }),
}

var fieldIndex = func() map[string]field {
	idx := make(map[string]field, len(fields))
	for _, f := range fields {
		idx[f.key] = f
	}
	return idx
}()

// counterKeys are reset together when the exercise day changes.
var counterKeys = []string{KeyPushupCount, KeySquatCount, KeyStretchCount}

// Keys returns every schema key in canonical order.
func Keys() []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.key
	}
	return keys
}

// IsSchemaKey reports whether key belongs to the State record.
func IsSchemaKey(key string) bool {
	_, ok := fieldIndex[key]
	return ok
}

// Value returns the plain value of one field: string, bool, []string, int,
// int64 or nil for an unset nullable number.
func Value(s domain.State, key string) (any, bool) {
	f, ok := fieldIndex[key]
	if !ok {
		return nil, false
	}
	return f.value(&s), true
}

// ToMap flattens the state into plain values keyed by schema key.
func ToMap(s domain.State) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.key] = f.value(&s)
	}
	return out
}

func boolField(key string, ref func(*domain.State) *bool) field {
	return field{
		key:   key,
		value: func(s *domain.State) any { return *ref(s) },
		apply: func(s *domain.State, raw any) {
			if b, ok := raw.(bool); ok {
				*ref(s) = b
			}
		},
	}
}

func taskField(key string) field {
	return field{
		key:   key,
		value: func(s *domain.State) any { return s.Task },
		apply: func(s *domain.State, raw any) {
			if str, ok := raw.(string); ok {
				s.Task = normalizeTask(str)
			}
		},
	}
}

func sitesField(key string, ref func(*domain.State) *[]string) field {
	return field{
		key: key,
		value: func(s *domain.State) any {
			return append([]string{}, (*ref(s))...)
		},
		apply: func(s *domain.State, raw any) {
			if list, ok := NormalizeSiteList(raw); ok {
				*ref(s) = list
			}
		},
	}
}

func nullableField(key string, ref func(*domain.State) **int64, norm func(int64) (int64, bool)) field {
	return field{
		key: key,
		value: func(s *domain.State) any {
			if p := *ref(s); p != nil {
				return *p
			}
			return nil
		},
		apply: func(s *domain.State, raw any) {
			if raw == nil {
				*ref(s) = nil
				return
			}
			n, ok := toInt64(raw)
			if !ok {
				return
			}
			if v, ok := norm(n); ok {
				*ref(s) = &v
			}
		},
	}
}

func counterField(key string, ref func(*domain.State) *int) field {
	return field{
		key:   key,
		value: func(s *domain.State) any { return *ref(s) },
		apply: func(s *domain.State, raw any) {
			n, ok := toInt64(raw)
			if !ok {
				return
			}
			if n < 0 {
				n = 0
			}
			*ref(s) = int(n)
		},
	}
}

func dateKeyField(key string) field {
	return field{
		key:   key,
		value: func(s *domain.State) any { return s.ExerciseDateKey },
		apply: func(s *domain.State, raw any) {
			if str, ok := raw.(string); ok && validDateKey(str) {
				s.ExerciseDateKey = str
			}
		},
	}
}
