// Package fixtures provides fake collaborators for unit and integration tests.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// FakeRenderer records everything shown to the user.
type FakeRenderer struct {
	mu         sync.Mutex
	Messages   []string
	Countdowns []string

	// OnCountdown, when set, runs before the countdown is recorded.
	OnCountdown func(text string)
}

// NewFakeRenderer creates an empty renderer.
func NewFakeRenderer() *FakeRenderer {
	return &FakeRenderer{}
}

func (r *FakeRenderer) ShowMessage(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, text)
	return nil
}

func (r *FakeRenderer) ShowCountdown(_ context.Context, text string) error {
	if r.OnCountdown != nil {
		r.OnCountdown(text)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Countdowns = append(r.Countdowns, text)
	return nil
}

// MessageList returns a copy of the shown messages.
func (r *FakeRenderer) MessageList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Messages...)
}

// CountdownList returns a copy of the rendered countdowns.
func (r *FakeRenderer) CountdownList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Countdowns...)
}

// LastCountdown returns the most recent countdown, or "" when none.
func (r *FakeRenderer) LastCountdown() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Countdowns) == 0 {
		return ""
	}
	return r.Countdowns[len(r.Countdowns)-1]
}

// Redirect is one navigation forced by the gate.
type Redirect struct {
	TargetID string
	URL      string
}

// FakeNavigator tracks the current URL of each open target.
type FakeNavigator struct {
	mu        sync.Mutex
	current   map[string]string
	Redirects []Redirect
}

// NewFakeNavigator creates a navigator with no open targets.
func NewFakeNavigator() *FakeNavigator {
	return &FakeNavigator{current: make(map[string]string)}
}

// Open sets where a target currently is.
func (n *FakeNavigator) Open(targetID, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current[targetID] = url
}

// Close forgets a target.
func (n *FakeNavigator) Close(targetID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.current, targetID)
}

func (n *FakeNavigator) Redirect(_ context.Context, targetID, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current[targetID] = url
	n.Redirects = append(n.Redirects, Redirect{TargetID: targetID, URL: url})
	return nil
}

func (n *FakeNavigator) CurrentURL(_ context.Context, targetID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	url, ok := n.current[targetID]
	if !ok {
		return "", errors.New("target not found")
	}
	return url, nil
}

// RedirectList returns a copy of the recorded redirects.
func (n *FakeNavigator) RedirectList() []Redirect {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Redirect(nil), n.Redirects...)
}

// ManualScheduler records alarms without firing them. Tests fire alarms by
// calling the owning component directly.
type ManualScheduler struct {
	mu        sync.Mutex
	alarms    map[string]domain.Alarm
	available bool
}

// NewManualScheduler creates a scheduler that reports itself available.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{alarms: make(map[string]domain.Alarm), available: true}
}

// SetAvailable controls what Available reports.
func (s *ManualScheduler) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

func (s *ManualScheduler) At(name string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = domain.Alarm{Name: name, At: when}
	return nil
}

func (s *ManualScheduler) Every(name string, period time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = domain.Alarm{Name: name, Period: period}
	return nil
}

func (s *ManualScheduler) Clear(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, name)
	return nil
}

func (s *ManualScheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alarms[name]
	return ok
}

func (s *ManualScheduler) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Get returns the named alarm.
func (s *ManualScheduler) Get(name string) (domain.Alarm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[name]
	return a, ok
}

// Names returns the registered alarm names, sorted.
func (s *ManualScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.alarms))
	for n := range s.alarms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RecordingBroadcaster keeps every published delta.
type RecordingBroadcaster struct {
	mu     sync.Mutex
	Deltas []domain.Delta
	Fail   atomic.Bool
}

func (b *RecordingBroadcaster) Publish(_ context.Context, delta domain.Delta) error {
	if b.Fail.Load() {
		return ErrInjected
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Deltas = append(b.Deltas, delta)
	return nil
}

// DeltaList returns a copy of the published deltas.
func (b *RecordingBroadcaster) DeltaList() []domain.Delta {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Delta(nil), b.Deltas...)
}

// FlakyKV wraps a store and fails or holds writes and reads on demand.
type FlakyKV struct {
	domain.KVStore
	FailSet atomic.Bool
	FailGet atomic.Bool

	mu      sync.Mutex
	hold    chan struct{}
	entered chan struct{}
}

// HoldSets makes the following writes wait until release is called. entered
// receives once for every write that starts waiting.
func (f *FlakyKV) HoldSets() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hold := make(chan struct{})
	f.hold = hold
	f.entered = make(chan struct{}, 16)
	var once sync.Once
	return f.entered, func() {
		once.Do(func() {
			f.mu.Lock()
			f.hold = nil
			f.mu.Unlock()
			close(hold)
		})
	}
}

// NewFlakyKV wraps inner.
func NewFlakyKV(inner domain.KVStore) *FlakyKV {
	return &FlakyKV{KVStore: inner}
}

func (f *FlakyKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if f.FailGet.Load() {
		return nil, ErrInjected
	}
	return f.KVStore.Get(ctx, keys...)
}

func (f *FlakyKV) Set(ctx context.Context, items map[string]json.RawMessage) error {
	f.mu.Lock()
	hold, entered := f.hold, f.entered
	f.mu.Unlock()
	if hold != nil {
		entered <- struct{}{}
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.FailSet.Load() {
		return ErrInjected
	}
	return f.KVStore.Set(ctx, items)
}

var (
	_ domain.Renderer    = (*FakeRenderer)(nil)
	_ domain.Navigator   = (*FakeNavigator)(nil)
	_ domain.Scheduler   = (*ManualScheduler)(nil)
	_ domain.Broadcaster = (*RecordingBroadcaster)(nil)
	_ domain.KVStore     = (*FlakyKV)(nil)
)
