package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
)

// ErrUnknownCallback is returned when an operation references a callback id
// that is not registered.
var ErrUnknownCallback = errors.New("unknown callback id")

// CronTimerService implements domain.TimerService with a cron runner for
// repeating timers and time.AfterFunc for one-shots. Repeating intervals are
// rounded to seconds by the cron layer; sub-second precision is not a
// requirement at this boundary.
type CronTimerService struct {
	mu     sync.Mutex
	cron   *cron.Cron
	stops  map[string]func()
	logger *zap.Logger
}

// NewCronTimerService creates and starts the timer service.
func NewCronTimerService(logger *zap.Logger) *CronTimerService {
	c := cron.New()
	c.Start()
	return &CronTimerService{
		cron:   c,
		stops:  make(map[string]func()),
		logger: logger,
	}
}

// ScheduleOnce fires once after delay.
func (s *CronTimerService) ScheduleOnce(delay time.Duration, fire func()) (string, error) {
	id := domain.NewID()
	t := time.AfterFunc(delay, func() {
		fire()
		s.mu.Lock()
		delete(s.stops, id)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.stops[id] = func() { t.Stop() }
	s.mu.Unlock()
	return id, nil
}

// ScheduleRepeating fires after initialDelay, then every interval via a cron
// entry. The first fire and the cron handoff share the timer id so
// Unschedule works at any point.
func (s *CronTimerService) ScheduleRepeating(initialDelay, interval time.Duration, fire func()) (string, error) {
	id := domain.NewID()
	first := time.AfterFunc(initialDelay, func() {
		fire()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.stops[id]; !ok {
			// Unscheduled during the first fire.
			return
		}
		entryID := s.cron.Schedule(cron.Every(interval), cron.FuncJob(fire))
		s.stops[id] = func() { s.cron.Remove(entryID) }
	})
	s.mu.Lock()
	s.stops[id] = func() { first.Stop() }
	s.mu.Unlock()
	return id, nil
}

// Unschedule cancels the timer. Safe on unknown ids.
func (s *CronTimerService) Unschedule(timerID string) {
	s.mu.Lock()
	stop, ok := s.stops[timerID]
	if ok {
		delete(s.stops, timerID)
	}
	s.mu.Unlock()
	if ok {
		stop()
	}
}

// Stop halts the cron runner. Pending one-shot timers are left to fire into
// unscheduled ids, which raise as silent no-ops.
func (s *CronTimerService) Stop() {
	s.cron.Stop()
}

var _ domain.TimerService = (*CronTimerService)(nil)

// NoopWakeLock is the default wake lock on platforms without sleep control.
type NoopWakeLock struct{}

func (NoopWakeLock) Acquire() {}
func (NoopWakeLock) Release() {}

// LogNotifier surfaces callback notifications through the structured log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(message string) {
	n.Logger.Info("notification", zap.String("message", message))
}

type noopNotifier struct{}

func (noopNotifier) Notify(string) {}

var (
	_ domain.WakeLock = NoopWakeLock{}
	_ domain.Notifier = LogNotifier{}
)
