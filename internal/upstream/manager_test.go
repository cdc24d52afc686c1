package upstream

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

func testServers() map[string]*config.UpstreamConfig {
	return map[string]*config.UpstreamConfig{
		"echo":   {Name: "echo", Command: "echo-server"},
		"web":    {Name: "web", URL: "https://web.example.com/mcp"},
		"hidden": {Name: "hidden", Command: "hidden-server", Disabled: true},
	}
}

func TestNewManager_SkipsDisabled(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())
	names := m.Names()
	assert.ElementsMatch(t, []string{"echo", "web"}, names)
}

func TestManager_InitialSnapshotIsPending(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())
	for name, info := range m.Snapshot() {
		assert.Equal(t, types.StatePending, info.State, name)
	}
	assert.Empty(t, m.ReadyClients())
}

func TestManager_OAuthCompletedValidation(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())

	assert.Error(t, m.OAuthCompleted("nope"), "unknown upstream")
	assert.Error(t, m.OAuthCompleted("echo"), "not awaiting authorization")
}

func TestClassifyConnectError(t *testing.T) {
	assert.NoError(t, classifyConnectError(nil))

	plain := errors.New("dial tcp: connection refused")
	assert.Equal(t, plain, classifyConnectError(plain))

	challenge := classifyConnectError(fmt.Errorf(
		"request failed: 401 Unauthorized, see https://idp.example.com/authorize?client_id=abc"))
	var ua *UnauthorizedError
	require.ErrorAs(t, challenge, &ua)
	assert.Equal(t, "https://idp.example.com/authorize?client_id=abc", ua.AuthorizationURL)
}

func TestEventBus_OrderPreserved(t *testing.T) {
	bus := newEventBus()
	ch, cancel := bus.subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.publish(StateChange{Upstream: "echo", Info: types.Info{RetryCount: i}})
	}

	for i := 0; i < 10; i++ {
		change := <-ch
		assert.Equal(t, i, change.Info.RetryCount)
	}
}

func TestEventBus_CancelStopsDelivery(t *testing.T) {
	bus := newEventBus()
	ch, cancel := bus.subscribe()
	cancel()

	// Publishing after cancel must not block.
	for i := 0; i < 100; i++ {
		bus.publish(StateChange{Upstream: "echo"})
	}
	// The stream terminates.
	for range ch {
	}
}

func TestEventBus_CloseTerminatesSubscribers(t *testing.T) {
	bus := newEventBus()
	ch, _ := bus.subscribe()
	bus.close()
	_, open := <-ch
	assert.False(t, open)

	late, _ := bus.subscribe()
	_, open = <-late
	assert.False(t, open)
}

func TestCallStats_RollingSuccessRate(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())

	assert.Equal(t, 1.0, m.Summarize().Upstreams["echo"].SuccessRate, "no data means healthy")

	for i := 0; i < 8; i++ {
		m.RecordCallResult("echo", true)
	}
	m.RecordCallResult("echo", false)
	m.RecordCallResult("echo", false)

	stats := m.Summarize().Upstreams["echo"]
	assert.InDelta(t, 0.8, stats.SuccessRate, 0.001)
	assert.Equal(t, uint64(10), stats.TotalCalls)
	assert.Equal(t, uint64(2), stats.FailedCalls)
}

func TestCallObserver_SeesEveryOutcome(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())

	type outcome struct {
		name string
		ok   bool
	}
	var seen []outcome
	m.SetCallObserver(func(name string, ok bool) {
		seen = append(seen, outcome{name, ok})
	})

	m.RecordCallResult("echo", true)
	m.RecordCallResult("echo", false)

	require.Len(t, seen, 2)
	assert.Equal(t, outcome{"echo", true}, seen[0])
	assert.Equal(t, outcome{"echo", false}, seen[1])
}

func TestCallStats_WindowEvictsOldOutcomes(t *testing.T) {
	s := &callStats{}
	for i := 0; i < statsWindow; i++ {
		s.record(false)
	}
	for i := 0; i < statsWindow; i++ {
		s.record(true)
	}
	assert.Equal(t, 1.0, s.successRate(), "old failures aged out")
}

func TestSummarize_CountsByState(t *testing.T) {
	m := NewManager(testServers(), Settings{}, zap.NewNop())
	summary := m.Summarize()
	assert.Equal(t, 2, summary.ByState[types.StatePending])
	assert.Zero(t, summary.ByState[types.StateReady])
}
