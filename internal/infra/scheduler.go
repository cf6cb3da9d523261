package infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

// AlarmFunc receives a fired alarm by name.
type AlarmFunc func(ctx context.Context, name string)

// AlarmScheduler implements domain.Scheduler on gocron. Alarms are written to
// the AlarmStore so a restarted controller can restore them.
type AlarmScheduler struct {
	cron   gocron.Scheduler
	store  domain.AlarmStore
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]scheduledJob
	gen     uint64
	ctx     context.Context
	handler AlarmFunc
}

type scheduledJob struct {
	id  uuid.UUID
	gen uint64
	// one-shot jobs are forgotten once they fire
	oneShot bool
}

// NewAlarmScheduler creates a stopped scheduler. store may be nil, in which
// case alarms live only in memory.
func NewAlarmScheduler(store domain.AlarmStore, clock clockwork.Clock, logger *zap.Logger) (*AlarmScheduler, error) {
	cron, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(gocronLogger{logger.Sugar()}),
		gocron.WithStopTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &AlarmScheduler{
		cron:   cron,
		store:  store,
		clock:  clock,
		logger: logger,
		jobs:   make(map[string]scheduledJob),
		ctx:    context.Background(),
	}, nil
}

// Start begins firing alarms into handler. Alarms registered before Start
// fire once it runs.
func (s *AlarmScheduler) Start(ctx context.Context, handler AlarmFunc) {
	s.mu.Lock()
	s.ctx = ctx
	s.handler = handler
	s.mu.Unlock()
	s.cron.Start()
}

// Restore re-registers every persisted alarm. One-shot alarms whose time
// passed while nothing was running fire immediately.
func (s *AlarmScheduler) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	alarms, err := s.store.LoadAlarms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alarms: %w", err)
	}
	for _, a := range alarms {
		if a.Period > 0 {
			err = s.every(a.Name, a.Period, a.At)
		} else {
			err = s.At(a.Name, a.At)
		}
		if err != nil {
			s.logger.Warn("failed to restore alarm", zap.String("alarm", a.Name), zap.Error(err))
			continue
		}
		s.logger.Debug("alarm restored", zap.String("alarm", a.Name), zap.Time("at", a.At))
	}
	return nil
}

// Shutdown stops the scheduler. Persisted alarms are kept.
func (s *AlarmScheduler) Shutdown() error {
	return s.cron.Shutdown()
}

// At fires name once at when. Past times fire immediately.
func (s *AlarmScheduler) At(name string, when time.Time) error {
	start := gocron.OneTimeJobStartImmediately()
	if when.After(s.clock.Now()) {
		start = gocron.OneTimeJobStartDateTime(when)
	}
	if err := s.register(name, gocron.OneTimeJob(start), true); err != nil {
		return err
	}
	s.persist(domain.Alarm{Name: name, At: when})
	return nil
}

// Every fires name each period, first after one period.
func (s *AlarmScheduler) Every(name string, period time.Duration) error {
	return s.every(name, period, time.Time{})
}

func (s *AlarmScheduler) every(name string, period time.Duration, next time.Time) error {
	if period <= 0 {
		return fmt.Errorf("alarm %q: period must be positive", name)
	}
	var opts []gocron.JobOption
	now := s.clock.Now()
	if next.After(now) {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(next)))
	} else {
		next = now.Add(period)
	}
	if err := s.register(name, gocron.DurationJob(period), false, opts...); err != nil {
		return err
	}
	s.persist(domain.Alarm{Name: name, At: next, Period: period})
	return nil
}

func (s *AlarmScheduler) register(name string, def gocron.JobDefinition, oneShot bool, opts ...gocron.JobOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		_ = s.cron.RemoveJob(old.id)
		delete(s.jobs, name)
	}

	s.gen++
	gen := s.gen
	opts = append(opts,
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	job, err := s.cron.NewJob(def, gocron.NewTask(func() { s.fire(name, gen) }), opts...)
	if err != nil {
		return fmt.Errorf("failed to schedule alarm %q: %w", name, err)
	}
	s.jobs[name] = scheduledJob{id: job.ID(), gen: gen, oneShot: oneShot}
	return nil
}

func (s *AlarmScheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok || job.gen != gen {
		// Replaced or cleared after gocron picked it up.
		s.mu.Unlock()
		return
	}
	if job.oneShot {
		delete(s.jobs, name)
	}
	ctx, handler := s.ctx, s.handler
	s.mu.Unlock()

	if job.oneShot && s.store != nil {
		if err := s.store.DeleteAlarm(ctx, name); err != nil {
			s.logger.Warn("failed to delete fired alarm", zap.String("alarm", name), zap.Error(err))
		}
	}
	if handler != nil {
		handler(ctx, name)
	}
}

// Clear cancels the named alarm. Clearing a missing alarm is not an error.
func (s *AlarmScheduler) Clear(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	delete(s.jobs, name)
	ctx := s.ctx
	s.mu.Unlock()

	if ok {
		_ = s.cron.RemoveJob(job.id)
	}
	if s.store != nil {
		if err := s.store.DeleteAlarm(ctx, name); err != nil {
			return fmt.Errorf("failed to delete alarm %q: %w", name, err)
		}
	}
	return nil
}

// Has reports whether the named alarm is registered.
func (s *AlarmScheduler) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Available is always true: gocron is the primary scheduler.
func (s *AlarmScheduler) Available() bool {
	return true
}

func (s *AlarmScheduler) persist(alarm domain.Alarm) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.store.SaveAlarm(ctx, alarm); err != nil {
		s.logger.Warn("failed to persist alarm", zap.String("alarm", alarm.Name), zap.Error(err))
	}
}

// gocronLogger adapts zap to gocron's key-value logger.
type gocronLogger struct {
	l *zap.SugaredLogger
}

func (g gocronLogger) Debug(msg string, args ...any) { g.l.Debugw(msg, args...) }
func (g gocronLogger) Info(msg string, args ...any)  { g.l.Infow(msg, args...) }
func (g gocronLogger) Warn(msg string, args ...any)  { g.l.Warnw(msg, args...) }
func (g gocronLogger) Error(msg string, args ...any) { g.l.Errorw(msg, args...) }

var (
	_ domain.Scheduler = (*AlarmScheduler)(nil)
	_ gocron.Logger    = gocronLogger{}
)
