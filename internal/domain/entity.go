// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// State is the single authoritative record shared by every execution context.
// The JSON names double as the persisted key names.
type State struct {
	// Session
	Task                   string `json:"task"`
	IsInFlow               bool   `json:"isInFlow"`
	FocusTimerEnabled      bool   `json:"focusTimerEnabled"`
	DistractionGateEnabled bool   `json:"distractionGateEnabled"`
	WellbeingNudgesEnabled bool   `json:"wellbeingNudgesEnabled"`
	ExerciseNudgesEnabled  bool   `json:"exerciseNudgesEnabled"`
	OnboardingSeen         bool   `json:"onboardingSeen"`

	// Site lists (normalized hostnames, sorted)
	DistractingSites  []string `json:"distractingSites"`
	FocusBlockedSites []string `json:"focusBlockedSites"`

	// Focus-session timer, epoch milliseconds
	FocusStartTime  *int64 `json:"focusStartTime"`
	FocusDurationMs *int64 `json:"focusDurationMs"`
	ExpectedEndTime *int64 `json:"expectedEndTime"`

	// Exercise timer
	ExerciseStartTime   *int64 `json:"exerciseStartTime"`
	ExerciseIntervalMs  *int64 `json:"exerciseIntervalMs"`
	ExerciseNextTime    *int64 `json:"exerciseNextTime"`
	ExerciseRemainingMs *int64 `json:"exerciseRemainingMs"`

	// Counters
	LastNudgeAt     *int64 `json:"lastNudgeAt"`
	ExerciseDateKey string `json:"exerciseDateKey"`
	PushupCount     int    `json:"pushupCount"`
	SquatCount      int    `json:"squatCount"`
	StretchCount    int    `json:"stretchCount"`
}

// Clone returns a deep copy so callers never share slice or pointer storage
// with the live record.
func (s State) Clone() State {
	c := s
	c.DistractingSites = append([]string(nil), s.DistractingSites...)
	c.FocusBlockedSites = append([]string(nil), s.FocusBlockedSites...)
	c.FocusStartTime = cloneInt(s.FocusStartTime)
	c.FocusDurationMs = cloneInt(s.FocusDurationMs)
	c.ExpectedEndTime = cloneInt(s.ExpectedEndTime)
	c.ExerciseStartTime = cloneInt(s.ExerciseStartTime)
	c.ExerciseIntervalMs = cloneInt(s.ExerciseIntervalMs)
	c.ExerciseNextTime = cloneInt(s.ExerciseNextTime)
	c.ExerciseRemainingMs = cloneInt(s.ExerciseRemainingMs)
	c.LastNudgeAt = cloneInt(s.LastNudgeAt)
	return c
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Int64 returns a pointer to v. Handy for building nullable timer fields.
func Int64(v int64) *int64 {
	return &v
}

// Millis converts a time to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Patch is an untrusted partial update keyed by State JSON name.
type Patch map[string]any

// Delta is the field-level difference between two State snapshots.
type Delta map[string]any

// Keys returns the delta keys in sorted order.
func (d Delta) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tier identifies how much a caller is trusted.
type Tier string

const (
	// TierUI is a privileged foreground surface (CLI, TUI, browser popup).
	TierUI Tier = "ui"
	// TierObserver is unprivileged code injected into visited pages.
	TierObserver Tier = "observer"
)

// StorageChange describes one key written to or removed from the persistent
// store, by this process or by any other writer.
type StorageChange struct {
	Key     string
	Value   json.RawMessage
	Removed bool
}

// MessageType names a request in the message protocol.
type MessageType string

const (
	MsgGetState            MessageType = "getState"
	MsgUpdateState         MessageType = "updateState"
	MsgStateUpdated        MessageType = "stateUpdated"
	MsgStartSession        MessageType = "startSession"
	MsgEndSession          MessageType = "endSession"
	MsgNavigate            MessageType = "navigate"
	MsgSubmitJustification MessageType = "submitJustification"
	MsgGetJustifications   MessageType = "getJustifications"
	MsgCloseTarget         MessageType = "closeTarget"
	MsgRecordExercise      MessageType = "recordExercise"
	MsgConvertMarkdown     MessageType = "convertMarkdown"
)

// Request is a message sent by a foreground surface or passive observer.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Keys    []string        `json:"keys,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the at-most-one reply to a Request.
type Response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartSessionPayload starts a Deep Work session.
type StartSessionPayload struct {
	Task       string `json:"task"`
	IntervalMs int64  `json:"intervalMs,omitempty"`
}

// NavigatePayload reports a navigation of one target (tab).
type NavigatePayload struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
}

// JustificationPayload answers the prompt for a blocked target.
type JustificationPayload struct {
	TargetID string `json:"targetId"`
	Text     string `json:"text"`
}

// ExercisePayload records completed reps.
type ExercisePayload struct {
	Kind  ExerciseKind `json:"kind"`
	Count int          `json:"count"`
}

// MarkdownPayload carries raw HTML for conversion.
type MarkdownPayload struct {
	HTML string `json:"html"`
}

// ExerciseKind identifies one of the per-day counters.
type ExerciseKind string

const (
	ExercisePushups   ExerciseKind = "pushups"
	ExerciseSquats    ExerciseKind = "squats"
	ExerciseStretches ExerciseKind = "stretches"
)

// GateDecision is the outcome of checking a navigation against the gate.
type GateDecision string

const (
	GateUnchecked GateDecision = "unchecked"
	GateAllowed   GateDecision = "allowed"
	GateBlocked   GateDecision = "blocked"
)

// GateMatch reports whether a URL falls under a gated site list.
type GateMatch struct {
	ShouldGate bool   `json:"shouldGate"`
	Hostname   string `json:"hostname"`
	Site       string `json:"site,omitempty"`
	List       string `json:"list,omitempty"`
}

// Allowance is a time-boxed exemption from gating for one target.
type Allowance struct {
	Hostname  string `json:"hostname"`
	ExpiresAt int64  `json:"expiresAt"`
}

// PendingNavigation remembers where a blocked target wanted to go.
type PendingNavigation struct {
	URL       string `json:"url"`
	Hostname  string `json:"hostname"`
	CreatedAt int64  `json:"createdAt"`
}

// Justification is one entry of the capped justification log.
type Justification struct {
	ID        string `json:"id"`
	Hostname  string `json:"hostname"`
	URL       string `json:"url"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Alarm is a durable scheduled wake.
type Alarm struct {
	Name   string        `json:"name"`
	At     time.Time     `json:"at"`
	Period time.Duration `json:"period,omitempty"` // zero for one-shot alarms
}

// ControllerEntry is what the background controller publishes about itself so
// foreground clients can tell whether it is reachable.
type ControllerEntry struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	NATSURL       string `json:"nats_url,omitempty"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}
