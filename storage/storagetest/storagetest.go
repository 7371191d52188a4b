// Package storagetest holds the behavior every Storage backend must satisfy.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "github.com/ahmed-com/telemetry-agent"
	"github.com/ahmed-com/telemetry-agent/storage"
)

// SampleState returns a populated poller state
func SampleState() *telemetry.PollerState {
	state := telemetry.NewPollerState()
	state.State = telemetry.ScheduleState{
		LastKnownState: telemetry.StateWaiting,
		ExecDate:       time.Date(2025, 11, 8, 2, 41, 7, 0, time.UTC),
		CycleNo:        3,
	}
	state.History = append(state.History, telemetry.CycleRecord{
		CycleNo:  2,
		Schedule: time.Date(2025, 11, 7, 2, 10, 0, 0, time.UTC),
		Start:    time.Date(2025, 11, 7, 2, 10, 0, 0, time.UTC),
		End:      time.Date(2025, 11, 7, 2, 25, 0, 0, time.UTC),
		State:    telemetry.CycleStateFailed,
		ErrorMsg: `Step "QKVIEW_GEN" failed! Re-try allowed = false. Re-try attemps left 0 / 5.`,
	})
	state.Stats["QKVIEW_GEN_retries"] = 5
	state.Stats["cycles"] = 2
	return state
}

// Run exercises a Storage implementation
func Run(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("MissingState", func(t *testing.T) {
		state, err := s.GetPollerState(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Nil(t, state)
	})

	t.Run("SaveAndGet", func(t *testing.T) {
		expected := SampleState()
		require.NoError(t, s.SavePollerState(ctx, "poller-a", expected))

		actual, err := s.GetPollerState(ctx, "poller-a")
		require.NoError(t, err)
		assert.Equal(t, expected.Version, actual.Version)
		assert.Equal(t, expected.State.LastKnownState, actual.State.LastKnownState)
		assert.True(t, expected.State.ExecDate.Equal(actual.State.ExecDate))
		assert.Equal(t, expected.Stats, actual.Stats)
		require.Len(t, actual.History, 1)
		assert.Equal(t, expected.History[0].ErrorMsg, actual.History[0].ErrorMsg)
		assert.True(t, expected.History[0].End.Equal(actual.History[0].End))
	})

	t.Run("SaveIsASnapshot", func(t *testing.T) {
		state := SampleState()
		require.NoError(t, s.SavePollerState(ctx, "poller-b", state))
		state.Stats["cycles"] = 100

		actual, err := s.GetPollerState(ctx, "poller-b")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), actual.Stats["cycles"])
	})

	t.Run("Overwrite", func(t *testing.T) {
		state := SampleState()
		state.State.LastKnownState = telemetry.RunningState("QKVIEW_UPLOAD")
		require.NoError(t, s.SavePollerState(ctx, "poller-a", state))

		actual, err := s.GetPollerState(ctx, "poller-a")
		require.NoError(t, err)
		assert.Equal(t, "QKVIEW_UPLOAD", actual.State.LastKnownState.Step())
	})

	t.Run("List", func(t *testing.T) {
		ids, err := s.ListPollerIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"poller-a", "poller-b"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.DeletePollerState(ctx, "poller-b"))
		_, err := s.GetPollerState(ctx, "poller-b")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ids, err := s.ListPollerIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"poller-a"}, ids)
	})

	t.Run("OtherVersion", func(t *testing.T) {
		legacy := &telemetry.PollerState{Version: "1.0", Stats: telemetry.Stats{"cycles": 9}}
		require.NoError(t, s.SavePollerState(ctx, "poller-legacy", legacy))

		actual, err := s.GetPollerState(ctx, "poller-legacy")
		require.NoError(t, err)
		assert.Equal(t, "1.0", actual.Version)
		assert.Empty(t, actual.Stats)
		require.NoError(t, s.DeletePollerState(ctx, "poller-legacy"))
	})
}
