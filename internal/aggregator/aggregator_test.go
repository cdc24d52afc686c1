package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/config"
	"github.com/onemcp/onemcp/internal/upstream"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *changeRecorder) record(kind ChangeKind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, string(kind)+":"+name)
}

func (r *changeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}

func newTestAggregator(t *testing.T, window time.Duration) (*Aggregator, *changeRecorder) {
	t.Helper()
	manager := upstream.NewManager(map[string]*config.UpstreamConfig{}, upstream.Settings{}, zap.NewNop())
	agg := New(manager, window, zap.NewNop())
	rec := &changeRecorder{}
	agg.OnListChanged(rec.record)
	return agg, rec
}

func TestChangeKind_NotificationMethod(t *testing.T) {
	assert.Equal(t, "notifications/tools/list_changed", KindTools.NotificationMethod())
	assert.Equal(t, "notifications/prompts/list_changed", KindPrompts.NotificationMethod())
	assert.Equal(t, "notifications/resources/list_changed", KindResources.NotificationMethod())
}

func TestCapabilitySet_KindEqual(t *testing.T) {
	a := &capabilitySet{tools: []string{"t1", "t2"}, resources: []string{"r1"}}
	b := &capabilitySet{tools: []string{"t1", "t2"}, resources: []string{"r1"}}
	c := &capabilitySet{tools: []string{"t1"}, resources: []string{"r1"}, templates: []string{"x"}}

	assert.True(t, a.kindEqual(b, KindTools))
	assert.True(t, a.kindEqual(b, KindResources))
	assert.False(t, a.kindEqual(c, KindTools))
	assert.False(t, a.kindEqual(c, KindResources), "templates count toward resources")
	assert.True(t, a.kindEqual(c, KindPrompts), "both prompt sets empty")
}

func TestCapabilitySet_KindEmpty(t *testing.T) {
	empty := &capabilitySet{}
	assert.True(t, empty.kindEmpty(KindTools))
	assert.True(t, empty.kindEmpty(KindResources))

	withTemplates := &capabilitySet{templates: []string{"file:///{path}"}}
	assert.False(t, withTemplates.kindEmpty(KindResources))
	assert.True(t, withTemplates.kindEmpty(KindTools))
}

func TestRemoveNow_EmitsOnlyNonEmptyKinds(t *testing.T) {
	agg, rec := newTestAggregator(t, time.Second)
	agg.caps["echo"] = &capabilitySet{tools: []string{"echo"}, prompts: []string{"greet"}}

	agg.removeNow("echo")

	assert.ElementsMatch(t, []string{"tools:echo", "prompts:echo"}, rec.snapshot())
	assert.NotContains(t, rec.snapshot(), "resources:echo")
	assert.Empty(t, agg.CapabilityCounts())
}

func TestRemoveNow_UnknownUpstreamIsSilent(t *testing.T) {
	agg, rec := newTestAggregator(t, time.Second)
	agg.removeNow("ghost")
	assert.Empty(t, rec.snapshot())
}

func TestScheduleRemoval_FiresAfterWindow(t *testing.T) {
	agg, rec := newTestAggregator(t, 20*time.Millisecond)
	agg.caps["echo"] = &capabilitySet{tools: []string{"echo"}}

	agg.scheduleRemoval("echo")
	assert.Empty(t, rec.snapshot(), "nothing before the window expires")

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"tools:echo"}, rec.snapshot())
}

func TestScheduleRemoval_CancelledByReadyBounce(t *testing.T) {
	agg, rec := newTestAggregator(t, 30*time.Millisecond)
	agg.caps["echo"] = &capabilitySet{tools: []string{"echo"}}

	agg.scheduleRemoval("echo")

	// Simulate the bounce back to Ready inside the window.
	agg.mu.Lock()
	if timer, ok := agg.pendingDown["echo"]; ok {
		timer.Stop()
		delete(agg.pendingDown, "echo")
	}
	agg.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "coalesced bounce emits nothing when the set is unchanged")
}

func TestCapabilityCounts(t *testing.T) {
	agg, _ := newTestAggregator(t, time.Second)
	agg.caps["files"] = &capabilitySet{
		tools:     []string{"read", "write"},
		resources: []string{"file:///a"},
		templates: []string{"file:///{path}"},
	}

	counts := agg.CapabilityCounts()
	require.Contains(t, counts, "files")
	assert.Equal(t, Counts{Tools: 2, Resources: 1, Templates: 1}, counts["files"])
}
