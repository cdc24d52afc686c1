package server

import (
	"github.com/onemcp/onemcp/internal/tagfilter"
	"github.com/onemcp/onemcp/internal/upstream"
	"github.com/onemcp/onemcp/internal/upstream/types"
)

// Availability headers set on gated responses.
const (
	headerPartial        = "X-MCP-Partial-Availability"
	headerAvailableCount = "X-MCP-Available-Count"
	headerTotalCount     = "X-MCP-Total-Count"
	headerLoadingCount   = "X-MCP-Loading-Count"
)

// gateDecision is the availability gate's verdict for one request.
type gateDecision int

const (
	// gateProceed lets the request through, possibly with partial headers.
	gateProceed gateDecision = iota
	// gateRetry asks the client to come back: admitted upstreams are still
	// loading and none is ready.
	gateRetry
	// gateUnavailable rejects: no admitted upstream is ready and none will
	// become ready without intervention.
	gateUnavailable
)

// availability summarizes the admitted slice of the fleet for one filter.
type availability struct {
	Total     int
	Available int
	Loading   int
	Decision  gateDecision
	Partial   bool
}

// computeAvailability evaluates the fleet against a session filter. Zero
// admitted upstreams proceed: an empty view is a valid, final answer.
func computeAvailability(manager *upstream.Manager, filter tagfilter.Expr, partialAllowed bool) availability {
	if filter == nil {
		filter = tagfilter.MatchAll
	}

	var a availability
	for name, info := range manager.Snapshot() {
		c, ok := manager.Client(name)
		if !ok || !filter.Matches(tagfilter.TagSet(c.Config().Tags)) {
			continue
		}
		a.Total++
		switch info.State {
		case types.StateReady:
			a.Available++
		case types.StatePending, types.StateLoading:
			a.Loading++
		}
	}

	switch {
	case a.Total == 0 || a.Available == a.Total:
		a.Decision = gateProceed
	case a.Available > 0 && partialAllowed:
		a.Decision = gateProceed
		a.Partial = true
	case a.Loading > 0:
		a.Decision = gateRetry
	case a.Available > 0:
		// Partial responses disabled and part of the fleet is terminally
		// down; waiting will not help, so proceed with what exists.
		a.Decision = gateProceed
		a.Partial = true
	default:
		a.Decision = gateUnavailable
	}
	return a
}
