package usecase

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/test/fixtures"
)

var testStart = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

// countingKV counts reads so tests can observe hydration sharing.
type countingKV struct {
	domain.KVStore
	gets atomic.Int32
}

func (c *countingKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	c.gets.Add(1)
	return c.KVStore.Get(ctx, keys...)
}

// harness wires the runtime and its subsystems over in-memory fakes.
type harness struct {
	mem        *infra.MemoryStore
	kv         *fixtures.FlakyKV
	clock      *clockwork.FakeClock
	engine     *schema.Engine
	broadcast  *fixtures.RecordingBroadcaster
	store      *StateStore
	scheduler  *fixtures.ManualScheduler
	renderer   *fixtures.FakeRenderer
	navigator  *fixtures.FakeNavigator
	catalog    *Catalog
	timer      *FocusTimer
	gate       *DistractionGate
	breaks     *BreakReminder
	exercise   *ExerciseReminder
	handler    *RequestHandler
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mem:       infra.NewMemoryStore(),
		clock:     clockwork.NewFakeClockAt(testStart),
		broadcast: &fixtures.RecordingBroadcaster{},
		scheduler: fixtures.NewManualScheduler(),
		renderer:  fixtures.NewFakeRenderer(),
		navigator: fixtures.NewFakeNavigator(),
	}
	h.kv = fixtures.NewFlakyKV(h.mem)
	h.engine = schema.NewEngine(schema.Options{Clock: h.clock})

	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	h.catalog = catalog

	logger := zap.NewNop()
	h.store = NewStateStore(h.kv, h.engine, h.broadcast, nil, logger)
	h.timer = NewFocusTimer(h.store, h.scheduler, h.renderer, catalog, h.clock, FocusTimerConfig{
		TickInterval: time.Second,
		PollInterval: time.Hour,
	}, logger)
	h.gate = NewDistractionGate(h.store, h.kv, h.scheduler, h.navigator, h.clock, DefaultGateConfig(), logger)
	h.breaks = NewBreakReminder(h.store, h.scheduler, h.renderer, catalog, h.clock, DefaultBreakConfig(), logger)
	h.exercise = NewExerciseReminder(h.store, h.scheduler, h.renderer, catalog, h.clock, logger)
	h.handler = NewRequestHandler(h.store, policy.NewRegistry(), h.timer, h.gate, h.exercise, nil, nil, logger)
	h.reconciler = NewReconciler(h.kv, h.store, policy.NewUIPolicy(), logger)
	t.Cleanup(h.timer.Close)
	return h
}

func (h *harness) state(t *testing.T) domain.State {
	t.Helper()
	require.NoError(t, h.store.Flush(context.Background()))
	s, err := h.store.Get(context.Background())
	require.NoError(t, err)
	return s
}

// settle waits until subscriber follow-ups have drained from the chain.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.Flush(context.Background()))
	}
}

func (h *harness) stored(t *testing.T, key string) json.RawMessage {
	t.Helper()
	raw, err := h.mem.Get(context.Background(), key)
	require.NoError(t, err)
	return raw[key]
}

func (h *harness) writeDirect(t *testing.T, items map[string]string) {
	t.Helper()
	out := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		out[k] = json.RawMessage(v)
	}
	require.NoError(t, h.mem.Set(context.Background(), out))
}

func request(t *testing.T, typ domain.MessageType, payload any, keys ...string) domain.Request {
	t.Helper()
	req := domain.Request{ID: "req-1", Type: typ, Keys: keys}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		req.Payload = raw
	}
	return req
}
