package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
	"github.com/eliteGoblin/focusd/flowagent/test/fixtures"
)

var controllerEpoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type fakeDriver struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (d *fakeDriver) Start(context.Context, infra.AlarmFunc) error {
	d.started.Store(true)
	return nil
}

func (d *fakeDriver) Stop() error {
	d.stopped.Store(true)
	return nil
}

type testRig struct {
	components Components
	transport  *infra.LocalTransport
	registry   *infra.FileRegistry
	driver     *fakeDriver
	renderer   *fixtures.FakeRenderer
	navigator  *fixtures.FakeNavigator
}

func newTestRig(t *testing.T, clock clockwork.Clock) *testRig {
	t.Helper()
	logger := zap.NewNop()
	mem := infra.NewMemoryStore()
	engine := schema.NewEngine(schema.Options{Clock: clock})
	transport := infra.NewLocalTransport()
	sched := fixtures.NewManualScheduler()
	renderer := fixtures.NewFakeRenderer()
	navigator := fixtures.NewFakeNavigator()
	catalog, err := usecase.LoadCatalog("")
	require.NoError(t, err)

	store := usecase.NewStateStore(mem, engine, transport, nil, logger)
	timer := usecase.NewFocusTimer(store, sched, renderer, catalog, clock, usecase.FocusTimerConfig{
		TickInterval: time.Second,
		PollInterval: time.Hour,
	}, logger)
	gate := usecase.NewDistractionGate(store, mem, sched, navigator, clock, usecase.DefaultGateConfig(), logger)
	breaks := usecase.NewBreakReminder(store, sched, renderer, catalog, clock, usecase.DefaultBreakConfig(), logger)
	exercise := usecase.NewExerciseReminder(store, sched, renderer, catalog, clock, logger)
	handler := usecase.NewRequestHandler(store, policy.NewRegistry(), timer, gate, exercise, nil, nil, logger)

	registry := infra.NewFileRegistryWithPath(
		filepath.Join(t.TempDir(), "controller.json"), infra.NewProcessManager(), clockwork.NewRealClock())
	driver := &fakeDriver{}

	return &testRig{
		components: Components{
			Store:          store,
			Reconciler:     usecase.NewReconciler(mem, store, policy.NewUIPolicy(), logger),
			Handler:        handler,
			Timer:          timer,
			Gate:           gate,
			Breaks:         breaks,
			Exercise:       exercise,
			Transport:      transport,
			Alarms:         driver,
			Registry:       registry,
			ProcessManager: infra.NewProcessManager(),
		},
		transport: transport,
		registry:  registry,
		driver:    driver,
		renderer:  renderer,
		navigator: navigator,
	}
}

func TestDefaultControllerConfig(t *testing.T) {
	config := DefaultControllerConfig()

	assert.Equal(t, 30*time.Second, config.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, config.ProbeInterval)
}

func TestController_Run(t *testing.T) {
	rig := newTestRig(t, clockwork.NewRealClock())
	ctl := NewController(ControllerConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		ProbeInterval:     10 * time.Millisecond,
		AppVersion:        "test",
	}, rig.components, clockwork.NewRealClock(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctl.Run(ctx) }()

	call := func(typ domain.MessageType, payload any) (domain.Response, error) {
		req := domain.Request{ID: "r", Type: typ}
		if payload != nil {
			raw, err := json.Marshal(payload)
			require.NoError(t, err)
			req.Payload = raw
		}
		reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
		defer reqCancel()
		return rig.transport.Request(reqCtx, domain.TierUI, req)
	}

	require.Eventually(t, func() bool {
		resp, err := call(domain.MsgGetState, nil)
		return err == nil && resp.OK
	}, 2*time.Second, 10*time.Millisecond)

	entry, err := rig.registry.Get()
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, os.Getpid(), entry.PID)
	assert.Equal(t, "test", entry.AppVersion)
	assert.True(t, rig.driver.started.Load())
	assert.True(t, rig.components.Store.Hydrated())

	resp, err := call(domain.MsgStartSession, domain.StartSessionPayload{Task: "write report"})
	require.NoError(t, err)
	require.True(t, resp.OK, resp.Error)

	state, err := rig.components.Store.Get(ctx)
	require.NoError(t, err)
	assert.True(t, state.IsInFlow)
	assert.Equal(t, "write report", state.Task)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}

	entry, err = rig.registry.Get()
	require.NoError(t, err)
	assert.Nil(t, entry, "registry is cleared on exit")
	assert.True(t, rig.driver.stopped.Load())

	assert.Eventually(t, func() bool {
		_, err := call(domain.MsgGetState, nil)
		return errors.Is(err, domain.ErrControllerUnavailable)
	}, time.Second, 10*time.Millisecond, "transport detaches on exit")
}

func TestController_Dispatch(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T, rig *testRig, ctl *Controller, clock *clockwork.FakeClock)
	}{
		{
			name: "focus end finishes an expired session",
			testFn: func(t *testing.T, rig *testRig, ctl *Controller, clock *clockwork.FakeClock) {
				ctx := context.Background()
				_, err := rig.components.Timer.Start(ctx, "deep work", 0)
				require.NoError(t, err)

				clock.Advance(schema.DefaultFocusInterval + time.Minute)
				ctl.Dispatch(ctx, usecase.AlarmFocusEnd)

				state, err := rig.components.Store.Get(ctx)
				require.NoError(t, err)
				assert.False(t, state.IsInFlow)
				assert.Empty(t, state.Task)
			},
		},
		{
			name: "wellbeing shows a nudge",
			testFn: func(t *testing.T, rig *testRig, ctl *Controller, _ *clockwork.FakeClock) {
				ctx := context.Background()
				_, err := rig.components.Store.Update(ctx, domain.Patch{schema.KeyWellbeingNudgesEnabled: true})
				require.NoError(t, err)

				ctl.Dispatch(ctx, usecase.AlarmWellbeing)
				assert.Len(t, rig.renderer.MessageList(), 1)
			},
		},
		{
			name: "gate expiry re-gates a target still on the site",
			testFn: func(t *testing.T, rig *testRig, ctl *Controller, _ *clockwork.FakeClock) {
				ctx := context.Background()
				_, err := rig.components.Store.Update(ctx, domain.Patch{
					schema.KeyDistractionGateEnabled: true,
					schema.KeyDistractingSites:       []string{"news.example.com"},
				})
				require.NoError(t, err)
				rig.navigator.Open("tab-1", "https://news.example.com/story")

				ctl.Dispatch(ctx, usecase.AlarmGateExpirePrefix+"tab-1")

				redirects := rig.navigator.RedirectList()
				require.Len(t, redirects, 1)
				assert.Equal(t, "tab-1", redirects[0].TargetID)
				assert.True(t, strings.HasPrefix(redirects[0].URL, usecase.DefaultGateConfig().PromptURL))
			},
		},
		{
			name: "unknown alarm is ignored",
			testFn: func(t *testing.T, rig *testRig, ctl *Controller, _ *clockwork.FakeClock) {
				ctl.Dispatch(context.Background(), "no-such-alarm")
				assert.Empty(t, rig.renderer.MessageList())
				assert.Empty(t, rig.navigator.RedirectList())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(controllerEpoch)
			rig := newTestRig(t, clock)
			t.Cleanup(rig.components.Timer.Close)
			ctl := NewController(DefaultControllerConfig(), rig.components, clock, zap.NewNop())
			tt.testFn(t, rig, ctl, clock)
		})
	}
}

func TestController_Suspend(t *testing.T) {
	clock := clockwork.NewFakeClockAt(controllerEpoch)
	rig := newTestRig(t, clock)
	t.Cleanup(rig.components.Timer.Close)
	ctl := NewController(DefaultControllerConfig(), rig.components, clock, zap.NewNop())
	ctx := context.Background()

	_, err := rig.components.Store.Update(ctx, domain.Patch{schema.KeyTask: "kept"})
	require.NoError(t, err)
	require.True(t, rig.components.Store.Hydrated())

	ctl.Suspend(ctx)
	assert.False(t, rig.components.Store.Hydrated())

	state, err := rig.components.Store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", state.Task, "state rehydrates from storage")
}

func TestController_RegisterFailure(t *testing.T) {
	rig := newTestRig(t, clockwork.NewRealClock())
	blocked := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocked, nil, 0o600))
	rig.components.Registry = infra.NewFileRegistryWithPath(
		filepath.Join(blocked, "controller.json"), infra.NewProcessManager(), clockwork.NewRealClock())

	ctl := NewController(DefaultControllerConfig(), rig.components, clockwork.NewRealClock(), zap.NewNop())
	err := ctl.Run(context.Background())
	assert.Error(t, err)
	assert.False(t, rig.driver.started.Load())
}
