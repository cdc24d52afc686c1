package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadingState_String(t *testing.T) {
	tests := []struct {
		state    LoadingState
		expected string
	}{
		{StatePending, "Pending"},
		{StateLoading, "Loading"},
		{StateAwaitingOAuth, "AwaitingOAuth"},
		{StateReady, "Ready"},
		{StateFailed, "Failed"},
		{StateCancelled, "Cancelled"},
		{LoadingState(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StatePending, m.State())

	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))
	assert.Equal(t, StateReady, m.State())

	info := m.Snapshot()
	assert.Nil(t, info.LastError)
	assert.Zero(t, info.RetryCount)
}

func TestMachine_RejectsIllegalEdges(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Transition(StateReady), "Pending cannot jump to Ready")

	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))
	assert.Error(t, m.AwaitOAuth(errors.New("x"), ""), "Ready cannot fall back to AwaitingOAuth")
}

func TestMachine_CancelledIsTerminal(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(StateCancelled))
	assert.Error(t, m.Transition(StateLoading))
	assert.True(t, StateCancelled.Terminal())
}

func TestMachine_AwaitOAuthSticky(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.AwaitOAuth(errors.New("401 unauthorized"), "https://idp.example.com/authorize"))

	info := m.Snapshot()
	assert.Equal(t, StateAwaitingOAuth, info.State)
	assert.Equal(t, "https://idp.example.com/authorize", info.AuthorizationURL)
	require.Error(t, info.LastError)

	// Only the OAuth-completed signal (Loading) unsticks it.
	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))
	assert.Empty(t, m.Snapshot().AuthorizationURL)
}

func TestMachine_RestartCounting(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))
	require.NoError(t, m.Transition(StateLoading)) // unexpected exit
	require.NoError(t, m.Transition(StateReady))
	require.NoError(t, m.Transition(StateLoading))
	assert.Equal(t, 2, m.RestartCount())
}

func TestMachine_ParkInFailedIsNotARestart(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))

	// Connection lost with no restart budget: the upstream parks in Failed
	// without a Loading attempt, so no restart is counted.
	require.NoError(t, m.Fail(errors.New("connection lost")))
	assert.Equal(t, StateFailed, m.State())
	assert.Zero(t, m.RestartCount())
}

func TestMachine_CallbackOrderAndPayload(t *testing.T) {
	m := NewMachine()

	type edge struct{ from, to LoadingState }
	var seen []edge
	m.SetChangeCallback(func(from, to LoadingState, info Info) {
		seen = append(seen, edge{from, to})
	})

	require.NoError(t, m.Transition(StateLoading))
	m.RecordRetry(errors.New("dial refused"))
	require.NoError(t, m.Fail(errors.New("budget exhausted")))
	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateReady))

	expected := []edge{
		{StatePending, StateLoading},
		{StateLoading, StateFailed},
		{StateFailed, StateLoading},
		{StateLoading, StateReady},
	}
	assert.Equal(t, expected, seen)
}

func TestMachine_SelfTransitionIsNoop(t *testing.T) {
	m := NewMachine()
	var calls int
	m.SetChangeCallback(func(_, _ LoadingState, _ Info) { calls++ })

	require.NoError(t, m.Transition(StateLoading))
	require.NoError(t, m.Transition(StateLoading))
	assert.Equal(t, 1, calls)
}
