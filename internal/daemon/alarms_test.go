package daemon

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
)

func TestSelectScheduler(t *testing.T) {
	tests := []struct {
		name    string
		polling bool
		fail    bool
		testFn  func(t *testing.T, sched domain.Scheduler, driver AlarmDriver)
	}{
		{
			name: "durable scheduler by default",
			testFn: func(t *testing.T, sched domain.Scheduler, driver AlarmDriver) {
				assert.IsType(t, &infra.AlarmScheduler{}, sched)
				assert.IsType(t, GocronDriver{}, driver)
			},
		},
		{
			name:    "polling when requested",
			polling: true,
			testFn: func(t *testing.T, sched domain.Scheduler, driver AlarmDriver) {
				assert.IsType(t, &infra.PollingScheduler{}, sched)
				assert.IsType(t, &PollingDriver{}, driver)
				assert.False(t, sched.Available())
			},
		},
		{
			name: "polling when the durable scheduler cannot be built",
			fail: true,
			testFn: func(t *testing.T, sched domain.Scheduler, driver AlarmDriver) {
				assert.IsType(t, &infra.PollingScheduler{}, sched)
				pd, ok := driver.(*PollingDriver)
				if assert.True(t, ok) {
					assert.Same(t, sched, pd.Scheduler)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fail {
				orig := newAlarmScheduler
				newAlarmScheduler = func(domain.AlarmStore, clockwork.Clock, *zap.Logger) (*infra.AlarmScheduler, error) {
					return nil, errors.New("no scheduler")
				}
				t.Cleanup(func() { newAlarmScheduler = orig })
			}
			sched, driver := SelectScheduler(tt.polling, infra.NewMemoryStore(),
				clockwork.NewFakeClock(), time.Second, zap.NewNop())
			tt.testFn(t, sched, driver)
			if gd, ok := driver.(GocronDriver); ok {
				_ = gd.Scheduler.Shutdown()
			}
		})
	}
}
