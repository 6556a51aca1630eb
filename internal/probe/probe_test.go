package probe

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

func newTestScheduler() (*sched.Scheduler, *sched.ManualTimerService) {
	timers := sched.NewManualTimerService()
	return sched.NewScheduler(timers, nil, nil, zap.NewNop()), timers
}

func testDatum(probeID string) domain.Datum {
	return domain.NewDatum(probeID, "test", json.RawMessage(`{}`))
}

func TestBuffer_ClearIsSetExact(t *testing.T) {
	b := NewBuffer()

	first := testDatum("p1")
	second := testDatum("p1")
	b.Add(first, second)

	snapshot := b.Snapshot()
	require.Len(t, snapshot, 2)

	// Data arriving after the snapshot survives the clear.
	late := testDatum("p1")
	b.Add(late)

	b.Remove(snapshot)
	remaining := b.Snapshot()
	require.Len(t, remaining, 1)
	assert.Equal(t, late.ID, remaining[0].ID)

	// Clearing the same snapshot again removes nothing further.
	b.Remove(snapshot)
	assert.Equal(t, 1, b.Len())
}

func TestPollingProbe_StartStopIdempotent(t *testing.T) {
	s, timers := newTestScheduler()
	p := NewPollingProbe("test", true, time.Minute, func(ctx context.Context) ([]domain.Datum, error) {
		return nil, nil
	}, s, zap.NewNop())

	require.NoError(t, p.Start())
	assert.True(t, p.Running())
	assert.Equal(t, 1, timers.Len())

	// Second start schedules nothing new.
	require.NoError(t, p.Start())
	assert.Equal(t, 1, timers.Len())

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	assert.Equal(t, 0, timers.Len())

	require.NoError(t, p.Stop())
}

func TestPollingProbe_PollBuffersData(t *testing.T) {
	s, timers := newTestScheduler()

	done := make(chan string, 1)
	s.SetCompletionHook(func(id string) { done <- id })

	p := NewPollingProbe("test", true, time.Minute, func(ctx context.Context) ([]domain.Datum, error) {
		return []domain.Datum{testDatum("x")}, nil
	}, s, zap.NewNop())
	require.NoError(t, p.Start())

	timers.FireAll()
	<-done

	data := p.GetCollectedData()
	require.Len(t, data, 1)

	p.ClearCommittedData(data)
	assert.Empty(t, p.GetCollectedData())
}

func TestPollingProbe_TestHealth(t *testing.T) {
	tests := []struct {
		name         string
		enabled      bool
		start        bool
		pollErr      error
		wantDegraded bool
	}{
		{name: "enabled and running", enabled: true, start: true, wantDegraded: false},
		{name: "enabled but stopped", enabled: true, start: false, wantDegraded: true},
		{name: "disabled and stopped", enabled: false, start: false, wantDegraded: false},
		{name: "running with failing poll", enabled: true, start: true, pollErr: errors.New("sensor gone"), wantDegraded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, timers := newTestScheduler()
			done := make(chan string, 1)
			s.SetCompletionHook(func(id string) { done <- id })

			p := NewPollingProbe("test", tt.enabled, time.Minute, func(ctx context.Context) ([]domain.Datum, error) {
				return nil, tt.pollErr
			}, s, zap.NewNop())

			if tt.start {
				require.NoError(t, p.Start())
				timers.FireAll()
				<-done
			}

			result := p.TestHealth()
			assert.Equal(t, tt.wantDegraded, result.Degraded)
		})
	}
}

func TestPollingProbe_RestartRecovers(t *testing.T) {
	s, _ := newTestScheduler()
	p := NewPollingProbe("test", true, time.Minute, func(ctx context.Context) ([]domain.Datum, error) {
		return nil, nil
	}, s, zap.NewNop())

	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
	require.True(t, p.TestHealth().Degraded)

	require.NoError(t, p.Restart())
	assert.True(t, p.Running())
	assert.False(t, p.TestHealth().Degraded)
}

func TestRegistry_BuildsKnownKinds(t *testing.T) {
	r := NewRegistry()
	s, _ := newTestScheduler()

	for _, kind := range []string{KindCPU, KindMemory, KindHost} {
		def := domain.ProbeDefinition{Kind: kind, Enabled: true}
		p, err := r.Build(def, s, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, kind, p.Kind())
		assert.True(t, p.Enabled())
	}

	_, err := r.Build(domain.ProbeDefinition{Kind: "sonar"}, s, zap.NewNop())
	assert.Error(t, err)
}
