package domain

import (
	"context"
	"encoding/json"
	"time"
)

// KVStore is the flat persistent key-value namespace shared by the
// background controller and the foreground fallback path.
// Implementation: SQLCipher database in the data directory.
type KVStore interface {
	// Get returns the raw JSON values for keys, or every key when none are given.
	// Missing keys are absent from the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// Set writes all items atomically.
	Set(ctx context.Context, items map[string]json.RawMessage) error

	// Remove deletes keys. Removing a missing key is not an error.
	Remove(ctx context.Context, keys ...string) error

	// Watch streams change batches made by any writer, including this process,
	// until ctx is canceled.
	Watch(ctx context.Context) (<-chan []StorageChange, error)

	// Close releases resources.
	Close() error
}

// AlarmStore persists scheduled alarms so they survive a controller restart.
type AlarmStore interface {
	SaveAlarm(ctx context.Context, alarm Alarm) error
	DeleteAlarm(ctx context.Context, name string) error
	LoadAlarms(ctx context.Context) ([]Alarm, error)
}

// Scheduler is the durable scheduler: the only mechanism allowed to wake the
// controller for time-based logic.
type Scheduler interface {
	// At fires name once at the absolute time. Replaces an alarm with the same name.
	At(name string, when time.Time) error

	// Every fires name periodically. Replaces an alarm with the same name.
	Every(name string, period time.Duration) error

	// Clear cancels the named alarm. Clearing a missing alarm is not an error.
	Clear(name string) error

	// Has reports whether the named alarm is registered.
	Has(name string) bool

	// Available reports whether the primary scheduler backs this instance.
	// False means alarms are served by a polling fallback.
	Available() bool
}

// Broadcaster publishes state deltas to other contexts. Delivery is best
// effort: no subscriber is a silent no-op.
type Broadcaster interface {
	Publish(ctx context.Context, delta Delta) error
}

// Handler answers one request from a caller of the given tier.
type Handler func(ctx context.Context, tier Tier, req Request) Response

// Transport is the request/response message protocol between contexts.
type Transport interface {
	Broadcaster

	// Serve registers the handler until ctx is canceled.
	Serve(ctx context.Context, h Handler) error

	// Request sends req and waits for the reply until ctx expires.
	// Timeouts and missing responders wrap ErrControllerUnavailable.
	Request(ctx context.Context, tier Tier, req Request) (Response, error)

	// SubscribeUpdates delivers published deltas. The returned func unsubscribes.
	SubscribeUpdates(ctx context.Context, fn func(Delta)) (func(), error)
}

// Renderer is the presentation collaborator for messages and countdowns.
type Renderer interface {
	// ShowMessage displays a user-facing message (toast / notification).
	ShowMessage(ctx context.Context, text string) error

	// ShowCountdown displays the countdown text. Empty clears it.
	ShowCountdown(ctx context.Context, text string) error
}

// Navigator controls navigation targets (tabs) in the host.
type Navigator interface {
	// Redirect sends the target to url.
	Redirect(ctx context.Context, targetID, url string) error

	// CurrentURL returns where the target is now.
	CurrentURL(ctx context.Context, targetID string) (string, error)
}

// MarkdownConverter turns raw HTML into Markdown text.
type MarkdownConverter interface {
	Convert(ctx context.Context, html string) (string, error)
}

// ProcessManager handles OS process checks.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// ControllerRegistry lets foreground clients discover the background
// controller without waiting for a request timeout.
// Implementation: JSON file in the data directory.
type ControllerRegistry interface {
	// Register records the running controller.
	Register(entry ControllerEntry) error

	// UpdateHeartbeat refreshes the liveness timestamp.
	UpdateHeartbeat() error

	// Get returns the registered controller, or nil when none is registered.
	Get() (*ControllerEntry, error)

	// IsAlive reports whether the registered controller process is running and
	// its heartbeat is fresher than maxAge.
	IsAlive(maxAge time.Duration) bool

	// Clear removes the registration.
	Clear() error

	// GetRegistryPath returns the registry file path (for tests).
	GetRegistryPath() string
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
