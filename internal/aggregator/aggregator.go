// Package aggregator tracks the merged capability surface of the upstream
// fleet. It watches lifecycle events and upstream list_changed
// notifications, keeps a per-upstream capability summary for change
// detection, and emits aggregated list_changed signals with a coalescing
// window so a quick restart bounce does not spam connected clients.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/upstream"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// ChangeKind names a capability category for list_changed propagation.
type ChangeKind string

const (
	KindTools     ChangeKind = "tools"
	KindPrompts   ChangeKind = "prompts"
	KindResources ChangeKind = "resources"
)

// NotificationMethod returns the MCP notification method for the kind.
func (k ChangeKind) NotificationMethod() string {
	return "notifications/" + string(k) + "/list_changed"
}

// ListChangedFunc receives aggregated change signals. The upstream name lets
// the session layer deliver only to sessions whose filter admits it.
type ListChangedFunc func(kind ChangeKind, upstreamName string)

// capabilitySet is the sorted capability summary of one upstream, used only
// for equality comparison across reconnects.
type capabilitySet struct {
	tools     []string
	prompts   []string
	resources []string
	templates []string
}

func (c *capabilitySet) kindEqual(other *capabilitySet, kind ChangeKind) bool {
	switch kind {
	case KindTools:
		return stringSlicesEqual(c.tools, other.tools)
	case KindPrompts:
		return stringSlicesEqual(c.prompts, other.prompts)
	default:
		return stringSlicesEqual(c.resources, other.resources) &&
			stringSlicesEqual(c.templates, other.templates)
	}
}

func (c *capabilitySet) kindEmpty(kind ChangeKind) bool {
	switch kind {
	case KindTools:
		return len(c.tools) == 0
	case KindPrompts:
		return len(c.prompts) == 0
	default:
		return len(c.resources) == 0 && len(c.templates) == 0
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var allKinds = []ChangeKind{KindTools, KindPrompts, KindResources}

// Counts summarizes one upstream's capability counts for health reporting.
type Counts struct {
	Tools     int `json:"tools"`
	Prompts   int `json:"prompts"`
	Resources int `json:"resources"`
	Templates int `json:"resource_templates"`
}

// Aggregator owns the fleet-wide capability summary.
type Aggregator struct {
	manager        *upstream.Manager
	logger         *zap.Logger
	coalesceWindow time.Duration
	refreshTimeout time.Duration

	mu   sync.Mutex
	caps map[string]*capabilitySet
	// pendingDown holds coalesce timers for upstreams that left Ready and
	// may bounce back before the window expires.
	pendingDown map[string]*time.Timer

	sinkMu sync.RWMutex
	sink   ListChangedFunc

	cancelEvents func()
	wg           sync.WaitGroup
}

// New builds an aggregator over the manager's fleet.
func New(manager *upstream.Manager, coalesceWindow time.Duration, logger *zap.Logger) *Aggregator {
	if coalesceWindow <= 0 {
		coalesceWindow = 2 * time.Second
	}
	return &Aggregator{
		manager:        manager,
		logger:         logger,
		coalesceWindow: coalesceWindow,
		refreshTimeout: 10 * time.Second,
		caps:           make(map[string]*capabilitySet),
		pendingDown:    make(map[string]*time.Timer),
	}
}

// OnListChanged registers the aggregated change sink. Must be called before
// Start.
func (a *Aggregator) OnListChanged(fn ListChangedFunc) {
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	a.sink = fn
}

func (a *Aggregator) emit(kind ChangeKind, upstreamName string) {
	a.sinkMu.RLock()
	fn := a.sink
	a.sinkMu.RUnlock()
	if fn != nil {
		fn(kind, upstreamName)
	}
}

// Start subscribes to lifecycle events and begins tracking. Stop by
// cancelling ctx or calling Stop.
func (a *Aggregator) Start(ctx context.Context) {
	events, cancel := a.manager.Subscribe()
	a.cancelEvents = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-events:
				if !ok {
					return
				}
				a.handleStateChange(ctx, change)
			}
		}
	}()
}

// Stop detaches from the event stream and waits for the loop to exit.
func (a *Aggregator) Stop() {
	if a.cancelEvents != nil {
		a.cancelEvents()
	}
	a.wg.Wait()

	a.mu.Lock()
	for name, timer := range a.pendingDown {
		timer.Stop()
		delete(a.pendingDown, name)
	}
	a.mu.Unlock()
}

func (a *Aggregator) handleStateChange(ctx context.Context, change upstream.StateChange) {
	switch {
	case change.To == types.StateReady:
		a.onReady(ctx, change.Upstream)

	case change.From == types.StateReady:
		// Left Ready; it may bounce back within the coalesce window.
		a.scheduleRemoval(change.Upstream)

	case change.To == types.StateFailed || change.To == types.StateCancelled:
		// Sticky departure: no point waiting out the window.
		a.removeNow(change.Upstream)
	}
}

// onReady refreshes the upstream's capability summary and emits change
// signals only for the kinds whose set actually differs from before.
func (a *Aggregator) onReady(ctx context.Context, name string) {
	a.mu.Lock()
	if timer, ok := a.pendingDown[name]; ok {
		timer.Stop()
		delete(a.pendingDown, name)
	}
	previous := a.caps[name]
	a.mu.Unlock()

	fresh, err := a.fetchCapabilities(ctx, name)
	if err != nil {
		a.logger.Warn("Capability refresh failed",
			zap.String("upstream", name), zap.Error(err))
		return
	}

	a.mu.Lock()
	a.caps[name] = fresh
	a.mu.Unlock()

	for _, kind := range allKinds {
		changed := previous == nil && !fresh.kindEmpty(kind) ||
			previous != nil && !previous.kindEqual(fresh, kind)
		if changed {
			a.emit(kind, name)
		}
	}
}

// scheduleRemoval starts the coalesce timer. If the upstream does not return
// to Ready before it fires, its capabilities are declared gone.
func (a *Aggregator) scheduleRemoval(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if timer, ok := a.pendingDown[name]; ok {
		timer.Stop()
	}
	a.pendingDown[name] = time.AfterFunc(a.coalesceWindow, func() {
		a.removeNow(name)
	})
}

func (a *Aggregator) removeNow(name string) {
	a.mu.Lock()
	if timer, ok := a.pendingDown[name]; ok {
		timer.Stop()
		delete(a.pendingDown, name)
	}
	previous := a.caps[name]
	delete(a.caps, name)
	a.mu.Unlock()

	if previous == nil {
		return
	}
	for _, kind := range allKinds {
		if !previous.kindEmpty(kind) {
			a.emit(kind, name)
		}
	}
}

// HandleUpstreamNotification reacts to list_changed notifications pushed by
// an upstream while it is Ready.
func (a *Aggregator) HandleUpstreamNotification(ctx context.Context, name string, notification mcp.JSONRPCNotification) {
	var kind ChangeKind
	switch notification.Method {
	case "notifications/tools/list_changed":
		kind = KindTools
	case "notifications/prompts/list_changed":
		kind = KindPrompts
	case "notifications/resources/list_changed":
		kind = KindResources
	default:
		return
	}

	fresh, err := a.fetchCapabilities(ctx, name)
	if err != nil {
		a.logger.Warn("Capability refresh after list_changed failed",
			zap.String("upstream", name), zap.Error(err))
		// Propagate anyway; the upstream said something changed.
		a.emit(kind, name)
		return
	}

	a.mu.Lock()
	previous := a.caps[name]
	a.caps[name] = fresh
	a.mu.Unlock()

	if previous == nil || !previous.kindEqual(fresh, kind) {
		a.emit(kind, name)
	}
}

// fetchCapabilities pages through every capability list of the upstream.
func (a *Aggregator) fetchCapabilities(ctx context.Context, name string) (*capabilitySet, error) {
	client, ok := a.manager.Client(name)
	if !ok {
		return &capabilitySet{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.refreshTimeout)
	defer cancel()

	set := &capabilitySet{}

	cursor := ""
	for {
		page, err := client.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, tool := range page.Tools {
			set.tools = append(set.tools, tool.Name)
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			break
		}
	}

	cursor = ""
	for {
		page, err := client.ListPrompts(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, prompt := range page.Prompts {
			set.prompts = append(set.prompts, prompt.Name)
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			break
		}
	}

	cursor = ""
	for {
		page, err := client.ListResources(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, resource := range page.Resources {
			set.resources = append(set.resources, resource.URI)
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			break
		}
	}

	cursor = ""
	for {
		page, err := client.ListResourceTemplates(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for _, template := range page.ResourceTemplates {
			set.templates = append(set.templates, template.URITemplate.Raw())
		}
		cursor = string(page.NextCursor)
		if cursor == "" {
			break
		}
	}

	sort.Strings(set.tools)
	sort.Strings(set.prompts)
	sort.Strings(set.resources)
	sort.Strings(set.templates)
	return set, nil
}

// CapabilityCounts reports per-upstream capability counts for tracked
// upstreams.
func (a *Aggregator) CapabilityCounts() map[string]Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]Counts, len(a.caps))
	for name, set := range a.caps {
		out[name] = Counts{
			Tools:     len(set.tools),
			Prompts:   len(set.prompts),
			Resources: len(set.resources),
			Templates: len(set.templates),
		}
	}
	return out
}
