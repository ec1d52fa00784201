package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Metrics is a minimal Prometheus-text-format registry: monotonic counters
// plus callback gauges. Rendered by the /metrics handler.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]func() int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]func() int64),
	}
}

// Inc bumps a counter by one, creating it on first use.
func (m *Metrics) Inc(name string) { m.Add(name, 1) }

// Add bumps a counter by delta.
func (m *Metrics) Add(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// RegisterGauge binds a callback sampled at render time.
func (m *Metrics) RegisterGauge(name string, fn func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = fn
}

// Counter returns the current counter value, mainly for tests.
func (m *Metrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Render produces the Prometheus text exposition, names sorted for stable
// output.
func (m *Metrics) Render() string {
	m.mu.Lock()
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	gauges := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		gauges[k] = fn
	}
	m.mu.Unlock()

	var b strings.Builder
	for _, name := range sortedKeys(counters) {
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", name, name, counters[name])
	}
	gaugeNames := make([]string, 0, len(gauges))
	for name := range gauges {
		gaugeNames = append(gaugeNames, name)
	}
	sort.Strings(gaugeNames)
	for _, name := range gaugeNames {
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", name, name, gauges[name]())
	}
	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
