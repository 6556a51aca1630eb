package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestScheduler creates a scheduler over a manual timer service with a
// completion channel to observe raise attempts deterministically.
func newTestScheduler(t *testing.T) (*Scheduler, *ManualTimerService, chan string) {
	t.Helper()
	timers := NewManualTimerService()
	s := NewScheduler(timers, nil, nil, zap.NewNop())

	done := make(chan string, 16)
	s.SetCompletionHook(func(id string) { done <- id })
	return s, timers, done
}

func waitCompletion(t *testing.T, done chan string) string {
	t.Helper()
	select {
	case id := <-done:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for raise to complete")
		return ""
	}
}

func TestScheduler_RaiseExecutesWork(t *testing.T) {
	s, _, done := newTestScheduler(t)

	var executed atomic.Int32
	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		executed.Add(1)
	})
	require.NoError(t, err)

	s.Raise(id)
	waitCompletion(t, done)

	assert.Equal(t, int32(1), executed.Load())
	assert.True(t, s.Contains(id), "repeating entry survives execution")
}

func TestScheduler_RaiseUnknownIDIsSilentNoop(t *testing.T) {
	s, _, done := newTestScheduler(t)

	s.Raise("no-such-id")

	select {
	case <-done:
		t.Fatal("unknown id must not dispatch")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_OneShotRemovedAfterExecution(t *testing.T) {
	s, _, done := newTestScheduler(t)

	id, err := s.ScheduleOnce(time.Minute, "", func(ctx context.Context) {})
	require.NoError(t, err)
	require.True(t, s.Contains(id))

	s.Raise(id)
	waitCompletion(t, done)

	assert.False(t, s.Contains(id), "one-shot entry removed after execution")

	// A late timer fire after removal is the expected silent no-op.
	s.Raise(id)
	select {
	case <-done:
		t.Fatal("removed id must not dispatch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_OverlappingRaiseIsDropped(t *testing.T) {
	s, _, done := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var executions atomic.Int32

	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		executions.Add(1)
		close(started)
		<-release
	})
	require.NoError(t, err)

	s.Raise(id)
	<-started

	// Second fire while the first is still in flight: dropped, not queued.
	s.Raise(id)
	waitCompletion(t, done)
	assert.Equal(t, int32(1), executions.Load())

	close(release)
	waitCompletion(t, done)
	assert.Equal(t, int32(1), executions.Load(), "dropped raise must not run later")
}

func TestScheduler_CancelIsCooperative(t *testing.T) {
	s, _, done := newTestScheduler(t)

	canceled := make(chan struct{})
	started := make(chan struct{})

	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		close(started)
		select {
		case <-ctx.Done():
			close(canceled)
		case <-time.After(5 * time.Second):
		}
	})
	require.NoError(t, err)

	// Cancel with no live execution is a no-op.
	s.Cancel(id)

	s.Raise(id)
	<-started
	s.Cancel(id)

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("work did not observe cancellation")
	}
	waitCompletion(t, done)

	// The handle is cleared after execution; cancel is a no-op again.
	s.Cancel(id)
}

func TestScheduler_UnscheduleRemovesEntryAndTimer(t *testing.T) {
	s, timers, _ := newTestScheduler(t)

	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {})
	require.NoError(t, err)
	require.Equal(t, 1, timers.Len())

	s.Unschedule(id)
	assert.False(t, s.Contains(id))
	assert.Equal(t, 0, timers.Len(), "platform timer unarmed")

	// Safe on an id that no longer exists.
	s.Unschedule(id)
}

func TestScheduler_RescheduleReturnsNewID(t *testing.T) {
	s, timers, done := newTestScheduler(t)

	var executed atomic.Int32
	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "msg", func(ctx context.Context) {
		executed.Add(1)
	})
	require.NoError(t, err)

	newID, err := s.Reschedule(id, time.Second, time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)
	assert.False(t, s.Contains(id))
	assert.True(t, s.Contains(newID))
	assert.Equal(t, 1, timers.Len())

	// The rescheduled entry carries the same work.
	s.Raise(newID)
	waitCompletion(t, done)
	assert.Equal(t, int32(1), executed.Load())

	_, err = s.Reschedule("no-such-id", time.Second, time.Second)
	assert.ErrorIs(t, err, ErrUnknownCallback)
}

func TestScheduler_PanickingWorkDoesNotKillScheduler(t *testing.T) {
	s, _, done := newTestScheduler(t)

	id, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		panic("boom")
	})
	require.NoError(t, err)

	s.Raise(id)
	waitCompletion(t, done)

	// Entry still usable after the panic.
	s.Raise(id)
	waitCompletion(t, done)
	assert.True(t, s.Contains(id))
}

func TestScheduler_ConcurrentDistinctCallbacksDoNotBlockEachOther(t *testing.T) {
	s, _, done := newTestScheduler(t)

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	slowID, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		close(slowStarted)
		<-release
	})
	require.NoError(t, err)

	var fastRan sync.WaitGroup
	fastRan.Add(1)
	fastID, err := s.ScheduleRepeating(time.Minute, time.Minute, "", func(ctx context.Context) {
		fastRan.Done()
	})
	require.NoError(t, err)

	s.Raise(slowID)
	<-slowStarted
	s.Raise(fastID)

	// The fast callback completes while the slow one is still in flight.
	fastRan.Wait()
	waitCompletion(t, done)

	close(release)
	waitCompletion(t, done)
}
