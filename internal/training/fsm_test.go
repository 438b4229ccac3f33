package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineInitialState(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, StatusStopped, sm.Status())
	assert.Equal(t, PhaseIdle, sm.Phase())
}

func TestStateMachineStart(t *testing.T) {
	t.Run("from stopped", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		assert.Equal(t, StatusStarted, sm.Status())
		assert.Equal(t, PhaseOutput, sm.Phase())
	})

	t.Run("from started is rejected", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		assert.False(t, sm.Start())
		assert.Equal(t, StatusStarted, sm.Status())
	})

	t.Run("from paused behaves as resume", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.SetPhase(PhaseCandidate))
		require.True(t, sm.Pause())

		require.True(t, sm.Start())
		assert.Equal(t, StatusStarted, sm.Status())
		assert.Equal(t, PhaseCandidate, sm.Phase(), "start from paused must continue, not restart")
	})

	t.Run("from terminal states is rejected", func(t *testing.T) {
		for _, terminal := range []func(sm *StateMachine) bool{
			func(sm *StateMachine) bool { return sm.MarkCompleted() },
			func(sm *StateMachine) bool { return sm.MarkFailed("x") },
		} {
			sm := NewStateMachine()
			require.True(t, sm.Start())
			require.True(t, terminal(sm))

			before := sm.Status()
			assert.False(t, sm.Start())
			assert.Equal(t, before, sm.Status(), "rejected start must not mutate status")
		}
	})
}

func TestStateMachinePauseResume(t *testing.T) {
	t.Run("resume restores paused phase", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.SetPhase(PhaseCandidate))

		require.True(t, sm.Pause())
		assert.Equal(t, StatusPaused, sm.Status())
		assert.Equal(t, PhaseCandidate, sm.Snapshot().PausedPhase)

		require.True(t, sm.Resume())
		assert.Equal(t, StatusStarted, sm.Status())
		assert.Equal(t, PhaseCandidate, sm.Phase())
		assert.Empty(t, sm.Snapshot().PausedPhase)
	})

	t.Run("resume without recorded phase defaults to output", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.SetPhase(PhaseIdle))

		require.True(t, sm.Pause())
		assert.Empty(t, sm.Snapshot().PausedPhase)

		require.True(t, sm.Resume())
		assert.Equal(t, PhaseOutput, sm.Phase())
	})

	t.Run("pause outside started is rejected", func(t *testing.T) {
		sm := NewStateMachine()
		assert.False(t, sm.Pause())

		require.True(t, sm.Start())
		require.True(t, sm.MarkCompleted())
		assert.False(t, sm.Pause())
	})

	t.Run("stop from paused", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.Pause())
		require.True(t, sm.Stop())
		assert.Equal(t, StatusStopped, sm.Status())
		assert.Empty(t, sm.Snapshot().PausedPhase)
	})
}

func TestStateMachineTerminalStates(t *testing.T) {
	t.Run("mark completed clears paused context", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.SetPhase(PhaseCandidate))
		require.True(t, sm.SaveCandidateState(map[string]float64{"cand-1": 0.9}))
		require.True(t, sm.Pause())

		require.True(t, sm.MarkCompleted())
		snap := sm.Snapshot()
		assert.Empty(t, snap.PausedPhase)
		assert.False(t, snap.HasCandidateState)
	})

	t.Run("mark failed allowed from paused", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.Pause())
		require.True(t, sm.MarkFailed("worker died"))
		assert.Equal(t, StatusFailed, sm.Status())
		assert.Equal(t, "worker died", sm.Snapshot().FailureReason)
	})

	t.Run("mark failed rejected from stopped and terminal states", func(t *testing.T) {
		sm := NewStateMachine()
		assert.False(t, sm.MarkFailed("x"))

		require.True(t, sm.Start())
		require.True(t, sm.MarkCompleted())
		assert.False(t, sm.MarkFailed("x"))
		assert.Equal(t, StatusCompleted, sm.Status())
	})

	t.Run("only reset leaves a terminal state", func(t *testing.T) {
		sm := NewStateMachine()
		require.True(t, sm.Start())
		require.True(t, sm.MarkFailed("diverged"))

		assert.False(t, sm.Start())
		assert.False(t, sm.Stop())
		assert.False(t, sm.Pause())
		assert.False(t, sm.Resume())

		require.True(t, sm.Reset())
		assert.Equal(t, StatusStopped, sm.Status())
		assert.Empty(t, sm.Snapshot().FailureReason)
		require.True(t, sm.Start())
	})
}

func TestPhaseOnlyMutatesWhileStarted(t *testing.T) {
	sm := NewStateMachine()

	assert.False(t, sm.SetPhase(PhaseCandidate))
	assert.Equal(t, PhaseIdle, sm.Phase())

	require.True(t, sm.Start())
	assert.True(t, sm.SetPhase(PhaseCandidate))

	require.True(t, sm.Pause())
	assert.False(t, sm.SetPhase(PhaseInference))
	assert.Equal(t, PhaseCandidate, sm.Phase())

	require.True(t, sm.Resume())
	require.True(t, sm.MarkCompleted())
	assert.False(t, sm.SetPhase(PhaseOutput))
}

func TestStateMachineStopIdempotent(t *testing.T) {
	sm := NewStateMachine()
	assert.True(t, sm.Stop())
	assert.True(t, sm.Stop())

	require.True(t, sm.Start())
	assert.True(t, sm.Stop())
	assert.True(t, sm.Stop())
	assert.Equal(t, StatusStopped, sm.Status())
}
