package infra

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// PollingScheduler is the fallback scheduler: a single ticker checks which
// alarms are due. Resolution is the poll interval, and Available reports false
// so time-critical callers keep their own in-process probes.
type PollingScheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	alarms map[string]domain.Alarm
}

// NewPollingScheduler creates a stopped polling scheduler.
func NewPollingScheduler(clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *PollingScheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &PollingScheduler{
		clock:    clock,
		interval: interval,
		logger:   logger,
		alarms:   make(map[string]domain.Alarm),
	}
}

// Run polls until ctx is done, firing due alarms in name order.
func (s *PollingScheduler) Run(ctx context.Context, handler AlarmFunc) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Debug("polling scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, name := range s.due() {
				handler(ctx, name)
			}
		}
	}
}

// due returns the alarms whose time has come and advances or drops them.
func (s *PollingScheduler) due() []string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name, a := range s.alarms {
		if a.At.After(now) {
			continue
		}
		names = append(names, name)
		if a.Period > 0 {
			// Skip missed periods rather than firing them in a burst.
			for !a.At.After(now) {
				a.At = a.At.Add(a.Period)
			}
			s.alarms[name] = a
		} else {
			delete(s.alarms, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *PollingScheduler) At(name string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = domain.Alarm{Name: name, At: when}
	return nil
}

func (s *PollingScheduler) Every(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("alarm %q: period must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[name] = domain.Alarm{Name: name, At: s.clock.Now().Add(period), Period: period}
	return nil
}

func (s *PollingScheduler) Clear(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, name)
	return nil
}

func (s *PollingScheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.alarms[name]
	return ok
}

// Available is false: this is the fallback.
func (s *PollingScheduler) Available() bool {
	return false
}

var _ domain.Scheduler = (*PollingScheduler)(nil)
