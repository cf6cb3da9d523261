// Package policy implements the Strategy pattern for trust-tier access rules.
// Each tier (ui, observer) has its own policy defining what it may read and write.
package policy

import (
	"sort"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
)

// AccessPolicy defines the strategy interface for one caller tier.
type AccessPolicy interface {
	// Tier returns the tier this policy governs.
	Tier() domain.Tier

	// CanRead reports whether the tier may see the field.
	CanRead(key string) bool

	// CanWrite reports whether the tier may change the field.
	CanWrite(key string) bool
}

// uiWritable are the fields a privileged surface may set directly.
// Timer and counter fields are owned by the background runtime.
var uiWritable = map[string]bool{
	schema.KeyTask:                   true,
	schema.KeyIsInFlow:               true,
	schema.KeyDistractionGateEnabled: true,
	schema.KeyWellbeingNudgesEnabled: true,
	schema.KeyExerciseNudgesEnabled:  true,
	schema.KeyOnboardingSeen:         true,
	schema.KeyDistractingSites:       true,
	schema.KeyFocusBlockedSites:      true,
}

var observerReadable = map[string]bool{
	schema.KeyIsInFlow: true,
}

type uiPolicy struct{}

// NewUIPolicy returns the policy for privileged foreground surfaces.
func NewUIPolicy() AccessPolicy { return uiPolicy{} }

func (uiPolicy) Tier() domain.Tier { return domain.TierUI }

func (uiPolicy) CanRead(key string) bool { return schema.IsSchemaKey(key) }

func (uiPolicy) CanWrite(key string) bool { return uiWritable[key] }

type observerPolicy struct{}

// NewObserverPolicy returns the policy for page-injected observers.
// Observers see whether a session is running and nothing else.
func NewObserverPolicy() AccessPolicy { return observerPolicy{} }

func (observerPolicy) Tier() domain.Tier { return domain.TierObserver }

func (observerPolicy) CanRead(key string) bool { return observerReadable[key] }

func (observerPolicy) CanWrite(string) bool { return false }

// FilterPatch keeps the writable entries of patch. dropped lists the rejected
// keys in sorted order.
func FilterPatch(p AccessPolicy, patch domain.Patch) (domain.Patch, []string) {
	out := make(domain.Patch, len(patch))
	var dropped []string
	for k, v := range patch {
		if p.CanWrite(k) {
			out[k] = v
			continue
		}
		dropped = append(dropped, k)
	}
	sort.Strings(dropped)
	return out, dropped
}

// FilterKeys keeps the readable keys, preserving order. No keys means every
// readable field.
func FilterKeys(p AccessPolicy, keys []string) []string {
	if len(keys) == 0 {
		keys = schema.Keys()
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if p.CanRead(k) {
			out = append(out, k)
		}
	}
	return out
}

// Project returns the readable subset of state as plain values.
func Project(p AccessPolicy, state domain.State, keys []string) map[string]any {
	allowed := FilterKeys(p, keys)
	out := make(map[string]any, len(allowed))
	for _, k := range allowed {
		if v, ok := schema.Value(state, k); ok {
			out[k] = v
		}
	}
	return out
}

// ProjectDelta drops the delta entries the tier may not read.
func ProjectDelta(p AccessPolicy, delta domain.Delta) domain.Delta {
	out := domain.Delta{}
	for k, v := range delta {
		if p.CanRead(k) {
			out[k] = v
		}
	}
	return out
}
