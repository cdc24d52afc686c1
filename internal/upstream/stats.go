package upstream

import "github.com/onemcp/onemcp/internal/upstream/types"

const statsWindow = 100

// callStats tracks a rolling window of request outcomes for one upstream.
type callStats struct {
	outcomes [statsWindow]bool
	next     int
	filled   int
	total    uint64
	failures uint64
}

func (s *callStats) record(ok bool) {
	s.outcomes[s.next] = ok
	s.next = (s.next + 1) % statsWindow
	if s.filled < statsWindow {
		s.filled++
	}
	s.total++
	if !ok {
		s.failures++
	}
}

func (s *callStats) successRate() float64 {
	if s.filled == 0 {
		return 1.0
	}
	good := 0
	for i := 0; i < s.filled; i++ {
		if s.outcomes[i] {
			good++
		}
	}
	return float64(good) / float64(s.filled)
}

// SetCallObserver installs a sink invoked with every recorded call outcome,
// in addition to the rolling window. Must be called before serving traffic.
func (m *Manager) SetCallObserver(fn func(name string, ok bool)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.callObserver = fn
}

// RecordCallResult feeds one proxied request outcome into the upstream's
// rolling success-rate window.
func (m *Manager) RecordCallResult(name string, ok bool) {
	m.statsMu.Lock()
	s := m.stats[name]
	if s == nil {
		s = &callStats{}
		m.stats[name] = s
	}
	s.record(ok)
	observer := m.callObserver
	m.statsMu.Unlock()

	if observer != nil {
		observer(name, ok)
	}
}

// UpstreamStats is the per-upstream slice of a fleet summary.
type UpstreamStats struct {
	Info        types.Info
	SuccessRate float64
	TotalCalls  uint64
	FailedCalls uint64
}

// Summary describes the whole fleet at a point in time.
type Summary struct {
	Upstreams map[string]UpstreamStats
	ByState   map[types.LoadingState]int
}

// Summarize returns lifecycle and call statistics for every upstream.
func (m *Manager) Summarize() Summary {
	snapshot := m.Snapshot()

	summary := Summary{
		Upstreams: make(map[string]UpstreamStats, len(snapshot)),
		ByState:   make(map[types.LoadingState]int),
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	for name, info := range snapshot {
		stats := UpstreamStats{Info: info, SuccessRate: 1.0}
		if s := m.stats[name]; s != nil {
			stats.SuccessRate = s.successRate()
			stats.TotalCalls = s.total
			stats.FailedCalls = s.failures
		}
		summary.Upstreams[name] = stats
		summary.ByState[info.State]++
	}
	return summary
}
