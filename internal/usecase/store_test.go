package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/test/fixtures"
)

func newBareStore(kv domain.KVStore, b domain.Broadcaster) *StateStore {
	engine := schema.NewEngine(schema.Options{Clock: clockwork.NewFakeClockAt(testStart)})
	return NewStateStore(kv, engine, b, nil, zap.NewNop())
}

func TestStateStore_HydratesDefaultsOnEmptyStorage(t *testing.T) {
	mem := infra.NewMemoryStore()
	store := newBareStore(mem, nil)

	s, err := store.Get(context.Background())
	require.NoError(t, err)

	assert.True(t, store.Hydrated())
	assert.True(t, s.DistractionGateEnabled)
	assert.Empty(t, s.Task)

	raw, err := mem.Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, raw, len(schema.Keys()))
	assert.JSONEq(t, `true`, string(raw[schema.KeyDistractionGateEnabled]))
	assert.JSONEq(t, `[]`, string(raw[schema.KeyDistractingSites]))
}

func TestStateStore_HydrationCleansStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := infra.NewMemoryStore()
	seed := map[string]json.RawMessage{
		"task":             json.RawMessage(`"write"`),
		"isInFlow":         json.RawMessage(`"yes"`),
		"legacyTheme":      json.RawMessage(`"dark"`),
		"gate:log":         json.RawMessage(`[]`),
		"distractingSites": json.RawMessage(`["WWW.Reddit.com"]`),
	}
	require.NoError(t, mem.Set(ctx, seed))

	changes, err := mem.Watch(ctx)
	require.NoError(t, err)

	store := newBareStore(mem, nil)
	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "write", s.Task)
	assert.Equal(t, []string{"reddit.com"}, s.DistractingSites)

	var written []string
	var removed []string
	for len(removed) == 0 || len(written) == 0 {
		select {
		case batch := <-changes:
			for _, c := range batch {
				if c.Removed {
					removed = append(removed, c.Key)
				} else {
					written = append(written, c.Key)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("expected hydration writes")
		}
	}

	assert.Equal(t, []string{"legacyTheme"}, removed)
	assert.NotContains(t, written, "task")
	assert.Contains(t, written, "isInFlow")
	assert.Contains(t, written, "distractingSites")

	raw, err := mem.Get(ctx, "gate:log", "legacyTheme")
	require.NoError(t, err)
	assert.Contains(t, raw, "gate:log")
	assert.NotContains(t, raw, "legacyTheme")
}

func TestStateStore_ConcurrentHydrationSharesOneRead(t *testing.T) {
	kv := &countingKV{KVStore: infra.NewMemoryStore()}
	store := newBareStore(kv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), kv.gets.Load())
}

func TestStateStore_FailedHydrationIsRetried(t *testing.T) {
	kv := fixtures.NewFlakyKV(infra.NewMemoryStore())
	kv.FailGet.Store(true)
	store := newBareStore(kv, nil)

	_, err := store.Get(context.Background())
	require.Error(t, err)
	assert.False(t, store.Hydrated())

	kv.FailGet.Store(false)
	_, err = store.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, store.Hydrated())
}

func TestStateStore_SerializedMutations(t *testing.T) {
	b := &fixtures.RecordingBroadcaster{}
	store := newBareStore(infra.NewMemoryStore(), b)
	ctx := context.Background()

	first := store.Submit(domain.Patch{"task": "A"})
	second := store.Submit(domain.Patch{"task": "B"})

	d1, err := first.Wait(ctx)
	require.NoError(t, err)
	d2, err := second.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "A", d1["task"])
	assert.Equal(t, "B", d2["task"])

	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", s.Task)

	deltas := b.DeltaList()
	require.Len(t, deltas, 2)
	assert.Equal(t, domain.Delta{"task": "A"}, deltas[0])
	assert.Equal(t, domain.Delta{"task": "B"}, deltas[1])
}

func TestStateStore_EmptyDiffIsSilent(t *testing.T) {
	b := &fixtures.RecordingBroadcaster{}
	store := newBareStore(infra.NewMemoryStore(), b)
	ctx := context.Background()

	_, err := store.Update(ctx, domain.Patch{"task": "same"})
	require.NoError(t, err)

	calls := 0
	store.Subscribe("counter", func(context.Context, domain.Delta, domain.State) error {
		calls++
		return nil
	})

	delta, err := store.Update(ctx, domain.Patch{"task": "  same  "})
	require.NoError(t, err)
	assert.Empty(t, delta)
	assert.Equal(t, 0, calls)
	assert.Len(t, b.DeltaList(), 1)
}

func TestStateStore_PersistenceFailureDoesNotPoisonChain(t *testing.T) {
	kv := fixtures.NewFlakyKV(infra.NewMemoryStore())
	b := &fixtures.RecordingBroadcaster{}
	store := newBareStore(kv, b)
	ctx := context.Background()
	require.NoError(t, store.EnsureHydrated(ctx))

	kv.FailSet.Store(true)
	_, err := store.Update(ctx, domain.Patch{"task": "lost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fixtures.ErrInjected))

	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Task, "failed write must not be committed")
	assert.Empty(t, b.DeltaList())

	kv.FailSet.Store(false)
	delta, err := store.Update(ctx, domain.Patch{"task": "kept"})
	require.NoError(t, err)
	assert.Equal(t, "kept", delta["task"])
}

func TestStateStore_SubscribersRunInOrderAndPanicsAreContained(t *testing.T) {
	b := &fixtures.RecordingBroadcaster{}
	store := newBareStore(infra.NewMemoryStore(), b)

	var order []string
	store.Subscribe("first", func(context.Context, domain.Delta, domain.State) error {
		order = append(order, "first")
		panic("boom")
	})
	store.Subscribe("second", func(context.Context, domain.Delta, domain.State) error {
		order = append(order, "second")
		return errors.New("ignored")
	})
	store.Subscribe("third", func(_ context.Context, d domain.Delta, s domain.State) error {
		order = append(order, "third")
		assert.Equal(t, "x", s.Task)
		return nil
	})

	_, err := store.Update(context.Background(), domain.Patch{"task": "x"})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Len(t, b.DeltaList(), 1)
}

func TestStateStore_BroadcastFailureIsNotAnError(t *testing.T) {
	b := &fixtures.RecordingBroadcaster{}
	b.Fail.Store(true)
	store := newBareStore(infra.NewMemoryStore(), b)

	delta, err := store.Update(context.Background(), domain.Patch{"onboardingSeen": true})
	require.NoError(t, err)
	assert.Equal(t, true, delta["onboardingSeen"])
}

func TestStateStore_SuspendRehydrates(t *testing.T) {
	mem := infra.NewMemoryStore()
	store := newBareStore(mem, nil)
	ctx := context.Background()

	_, err := store.Update(ctx, domain.Patch{"task": "before"})
	require.NoError(t, err)

	_, err = store.Suspend().Wait(ctx)
	require.NoError(t, err)
	assert.False(t, store.Hydrated())

	require.NoError(t, mem.Set(ctx, map[string]json.RawMessage{"task": json.RawMessage(`"while away"`)}))

	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "while away", s.Task)
}

func TestStateStore_GetFields(t *testing.T) {
	store := newBareStore(infra.NewMemoryStore(), nil)
	fields, err := store.GetFields(context.Background(), "task", "isInFlow", "bogus")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"task": "", "isInFlow": false}, fields)
}

func TestReconciler_AbsorbsForeignWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.EnsureHydrated(ctx))

	h.writeDirect(t, map[string]string{"task": `"offline task"`, "isInFlow": `true`})
	p := h.reconciler.Handle([]domain.StorageChange{{Key: "task"}, {Key: "isInFlow"}})
	require.NotNil(t, p)
	delta, err := p.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "offline task", delta["task"])
	s := h.state(t)
	assert.True(t, s.IsInFlow)
	require.NotNil(t, s.ExpectedEndTime)
	assert.JSONEq(t, `true`, string(h.stored(t, "focusTimerEnabled")))
	assert.NotEmpty(t, h.broadcast.DeltaList())
}

func TestReconciler_SkipsOwnEcho(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Update(ctx, domain.Patch{"task": "mine"})
	require.NoError(t, err)
	before := len(h.broadcast.DeltaList())

	delta, err := h.reconciler.Handle([]domain.StorageChange{{Key: "task", Value: json.RawMessage(`"mine"`)}}).Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, delta)
	assert.Len(t, h.broadcast.DeltaList(), before)
}

func TestReconciler_StaleEchoDoesNotRollBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Update(ctx, domain.Patch{"task": "one"})
	require.NoError(t, err)
	_, err = h.store.Update(ctx, domain.Patch{"task": "two"})
	require.NoError(t, err)

	_, err = h.reconciler.Handle([]domain.StorageChange{{Key: "task", Value: json.RawMessage(`"one"`)}}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", h.state(t).Task)
}

func TestReconciler_CorrectsInvalidForeignValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.EnsureHydrated(ctx))

	h.writeDirect(t, map[string]string{"distractingSites": `["WWW.YouTube.com/watch", "bad host"]`})
	_, err := h.reconciler.Handle([]domain.StorageChange{{Key: "distractingSites"}}).Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"youtube.com"}, h.state(t).DistractingSites)
	assert.JSONEq(t, `["youtube.com"]`, string(h.stored(t, "distractingSites")))
}

func TestReconciler_IgnoresProtectedAndRemovedKeys(t *testing.T) {
	h := newHarness(t)

	assert.Nil(t, h.reconciler.Handle([]domain.StorageChange{
		{Key: "focusStartTime", Value: json.RawMessage(`1`)},
		{Key: "pushupCount", Value: json.RawMessage(`99`)},
		{Key: "task", Removed: true},
		{Key: "gate:log"},
	}))
}

func TestReconciler_Run(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.store.EnsureHydrated(ctx))

	done := make(chan error, 1)
	go func() { done <- h.reconciler.Run(ctx) }()

	require.Eventually(t, func() bool {
		_ = h.mem.Set(ctx, map[string]json.RawMessage{"onboardingSeen": json.RawMessage(`true`)})
		s, err := h.store.Get(ctx)
		return err == nil && s.OnboardingSeen
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
