package sched

import (
	"sync"
	"time"

	"github.com/probelab/sensd/internal/domain"
)

// ManualTimerService is a TimerService driven by explicit Fire calls
// instead of wall-clock time. Scheduler and supervisor tests use it to make
// timer delivery deterministic.
type ManualTimerService struct {
	mu    sync.Mutex
	fires map[string]func()
}

// NewManualTimerService creates an empty manual timer service.
func NewManualTimerService() *ManualTimerService {
	return &ManualTimerService{fires: make(map[string]func())}
}

// ScheduleOnce records the fire function under a new timer id.
func (m *ManualTimerService) ScheduleOnce(_ time.Duration, fire func()) (string, error) {
	return m.add(fire), nil
}

// ScheduleRepeating records the fire function under a new timer id.
func (m *ManualTimerService) ScheduleRepeating(_, _ time.Duration, fire func()) (string, error) {
	return m.add(fire), nil
}

// Unschedule removes the timer.
func (m *ManualTimerService) Unschedule(timerID string) {
	m.mu.Lock()
	delete(m.fires, timerID)
	m.mu.Unlock()
}

// Fire invokes the timer's fire function, if still scheduled.
func (m *ManualTimerService) Fire(timerID string) {
	m.mu.Lock()
	fire := m.fires[timerID]
	m.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// FireAll invokes every scheduled timer once.
func (m *ManualTimerService) FireAll() {
	m.mu.Lock()
	fires := make([]func(), 0, len(m.fires))
	for _, f := range m.fires {
		fires = append(fires, f)
	}
	m.mu.Unlock()
	for _, f := range fires {
		f()
	}
}

// Len returns the number of scheduled timers.
func (m *ManualTimerService) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fires)
}

func (m *ManualTimerService) add(fire func()) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := domain.NewID()
	m.fires[id] = fire
	return id
}

var _ domain.TimerService = (*ManualTimerService)(nil)
