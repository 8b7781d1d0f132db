package signature

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationStats is a snapshot of one operation's counters.
type OperationStats struct {
	Calls             int64   `json:"calls"`
	Successes         int64   `json:"successes"`
	TotalItems        int64   `json:"total_items"`
	AvgDurationMillis float64 `json:"avg_duration_ms"`
}

// opCounters holds live counters for one operation name.
type opCounters struct {
	calls          atomic.Int64
	successes      atomic.Int64
	totalItems     atomic.Int64
	durationMicros atomic.Int64
}

// metricsRegistry aggregates typed per-operation counters. Increments are
// atomic; the map is guarded for the rare insert of a new operation name.
type metricsRegistry struct {
	mu  sync.RWMutex
	ops map[string]*opCounters
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{ops: make(map[string]*opCounters)}
}

func (m *metricsRegistry) counters(op string) *opCounters {
	m.mu.RLock()
	c, ok := m.ops[op]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.ops[op]; ok {
		return c
	}
	c = &opCounters{}
	m.ops[op] = c
	return c
}

func (m *metricsRegistry) record(op string, success bool, items int64, duration time.Duration) {
	c := m.counters(op)
	c.calls.Add(1)
	if success {
		c.successes.Add(1)
	}
	c.totalItems.Add(items)
	c.durationMicros.Add(duration.Microseconds())
}

// snapshot returns a copy of all counters as typed stats.
func (m *metricsRegistry) snapshot() map[string]OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]OperationStats, len(m.ops))
	for op, c := range m.ops {
		calls := c.calls.Load()
		stats := OperationStats{
			Calls:      calls,
			Successes:  c.successes.Load(),
			TotalItems: c.totalItems.Load(),
		}
		if calls > 0 {
			stats.AvgDurationMillis = float64(c.durationMicros.Load()) / 1000 / float64(calls)
		}
		out[op] = stats
	}
	return out
}

func (m *metricsRegistry) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*opCounters)
}
