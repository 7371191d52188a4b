package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/metrics"
)

func TestReconcile(t *testing.T) {
	now := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		state         telemetry.ScheduleState
		expected      Action
		expectedState telemetry.LastKnownState
	}{
		{
			name:          "waiting in the future",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.StateWaiting, ExecDate: now.Add(time.Hour)},
			expected:      ActionNone,
			expectedState: telemetry.StateWaiting,
		},
		{
			name:          "waiting within tolerance",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.StateWaiting, ExecDate: now.Add(-5 * time.Second)},
			expected:      ActionNone,
			expectedState: telemetry.StateWaiting,
		},
		{
			name:          "waiting past tolerance",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.StateWaiting, ExecDate: now.Add(-11 * time.Second)},
			expected:      ActionPastDue,
			expectedState: telemetry.StatePastDue,
		},
		{
			name:          "waiting without exec date",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.StateWaiting},
			expected:      ActionNone,
			expectedState: telemetry.StateWaiting,
		},
		{
			name:          "interrupted cycle",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.RunningState("QKVIEW_UPLOAD"), ExecDate: now.Add(-time.Hour)},
			expected:      ActionInterrupted,
			expectedState: telemetry.StateWaiting,
		},
		{
			name:          "finished cycle",
			state:         telemetry.ScheduleState{LastKnownState: telemetry.StateDone, ExecDate: now.Add(-time.Hour)},
			expected:      ActionNone,
			expectedState: telemetry.StateDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			assert.Equal(t, tt.expected, Reconcile(&state, now, DefaultTolerance))
			assert.Equal(t, tt.expectedState, state.LastKnownState)
		})
	}
}

func TestReconcileInterruptedMessage(t *testing.T) {
	state := telemetry.ScheduleState{LastKnownState: telemetry.RunningState("IHEALTH_POLL")}
	Reconcile(&state, time.Now(), DefaultTolerance)
	assert.Equal(t, "cycle interrupted during step IHEALTH_POLL", state.ErrorMsg)
}

func TestPastDueRecord(t *testing.T) {
	now := time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)
	state := telemetry.ScheduleState{LastKnownState: telemetry.StatePastDue, ExecDate: now.Add(-time.Hour), CycleNo: 4}

	record := PastDueRecord(state, now)
	assert.Equal(t, telemetry.CycleStateFailed, record.State)
	assert.Equal(t, "Polling execution date expired", record.ErrorMsg)
	assert.Equal(t, uint64(4), record.CycleNo)
	assert.Equal(t, state.ExecDate, record.Schedule)
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func TestSupervisorRestartsAfterError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m := metrics.NewInMemoryMetrics()
	s := NewSupervisor("diag", WithLogger(zap.New(core).Sugar()), WithMetrics(m), WithBackOff(zeroBackOff))

	var runs int32
	err := s.Run(context.Background(), func(ctx context.Context) error {
		switch atomic.AddInt32(&runs, 1) {
		case 1:
			return errors.New("save failed")
		case 2:
			panic("unexpected nil")
		default:
			return nil
		}
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), runs)
	assert.Equal(t, 2, logs.FilterMessage("uncaught loop error").Len())
	assert.Equal(t, int64(2), m.GetRecoveryRuns("diag", "loop_restart"))
}

func TestSupervisorStopsOnTermination(t *testing.T) {
	s := NewSupervisor("diag")
	var runs int32
	err := s.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return telemetry.ErrTerminated
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), runs)
}

func TestSupervisorFirstRestartIsImmediate(t *testing.T) {
	s := NewSupervisor("diag", WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))

	var runs int32
	start := time.Now()
	err := s.Run(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs)
	assert.Less(t, time.Since(start), time.Minute)
}

func TestSupervisorBacksOffConsecutiveFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSupervisor("diag", WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Hour)
	}))

	var runs int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("boom")
		})
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func TestSupervisorGivesUp(t *testing.T) {
	s := NewSupervisor("diag", WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))

	var runs int32
	err := s.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("storage unavailable")
	})
	assert.EqualError(t, err, "storage unavailable")
	assert.Equal(t, int32(4), runs)
}
