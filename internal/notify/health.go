package notify

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// Trend directions. Every tracked metric is lower-is-better.
const (
	TrendImproving  = "improving"
	TrendStable     = "stable"
	TrendRegressing = "regressing"
)

// Trend is one metric's history in chronological order.
type Trend struct {
	Name      string `json:"name"`
	Values    []int  `json:"values"`
	Direction string `json:"direction"`
}

// Health persists snapshots and derives trends from recent history.
type Health struct {
	store store.HealthStore
}

// NewHealth creates the health analytic over the snapshot store.
func NewHealth(st store.HealthStore) *Health {
	return &Health{store: st}
}

// SaveSnapshot writes one snapshot row.
func (h *Health) SaveSnapshot(ctx context.Context, s *store.HealthSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CollectedAt.IsZero() {
		s.CollectedAt = time.Now().UTC()
	}
	return h.store.SaveHealthSnapshot(ctx, s)
}

// RecentSnapshots returns the newest snapshots first.
func (h *Health) RecentSnapshots(ctx context.Context, agentID, projectID string, limit int) ([]*store.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	return h.store.RecentHealthSnapshots(ctx, agentID, projectID, limit)
}

type metric struct {
	name string
	get  func(*store.HealthSnapshot) int
}

var metrics = []metric{
	{"tscErrors", func(s *store.HealthSnapshot) int { return s.TscErrors }},
	{"testFailures", func(s *store.HealthSnapshot) int { return s.TestFailures }},
	{"todos", func(s *store.HealthSnapshot) int { return s.Todos }},
	{"fixmes", func(s *store.HealthSnapshot) int { return s.Fixmes }},
	{"hacks", func(s *store.HealthSnapshot) int { return s.Hacks }},
	{"largeFiles", func(s *store.HealthSnapshot) int { return s.LargeFiles }},
	{"outdatedDeps", func(s *store.HealthSnapshot) int { return s.OutdatedDeps }},
}

// ComputeTrends derives a direction per metric from newest-first
// snapshots. Fewer than two snapshots yield no trends. The halves are
// split at ceil(n/2) chronologically; a change below max(1, 10% of the
// older mean) counts as stable.
func ComputeTrends(snapshots []*store.HealthSnapshot) []Trend {
	if len(snapshots) < 2 {
		return nil
	}
	// Reverse into chronological order.
	chrono := make([]*store.HealthSnapshot, len(snapshots))
	for i, s := range snapshots {
		chrono[len(snapshots)-1-i] = s
	}
	split := (len(chrono) + 1) / 2

	trends := make([]Trend, 0, len(metrics))
	for _, m := range metrics {
		values := make([]int, len(chrono))
		for i, s := range chrono {
			values[i] = m.get(s)
		}
		older := mean(values[:split])
		newer := mean(values[split:])
		threshold := math.Max(1, older*0.10)

		direction := TrendStable
		switch {
		case math.Abs(newer-older) < threshold:
			direction = TrendStable
		case newer < older:
			direction = TrendImproving
		default:
			direction = TrendRegressing
		}
		trends = append(trends, Trend{Name: m.name, Values: values, Direction: direction})
	}
	return trends
}

func mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

// FormatTrendsForPrompt renders trends one metric per line for
// inclusion in an agent prompt.
func FormatTrendsForPrompt(trends []Trend) string {
	if len(trends) == 0 {
		return "No trend data available yet (need at least 2 improvement cycles)."
	}
	var b strings.Builder
	for i, tr := range trends {
		if i > 0 {
			b.WriteByte('\n')
		}
		parts := make([]string, len(tr.Values))
		for j, v := range tr.Values {
			parts[j] = fmt.Sprintf("%d", v)
		}
		fmt.Fprintf(&b, "%s: %s [%s]", tr.Name, strings.Join(parts, " -> "), strings.ToUpper(tr.Direction))
	}
	return b.String()
}
