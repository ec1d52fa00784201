package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/internal/store/sqlite"
)

// snapshotsNewestFirst builds snapshots where every metric follows the
// same value series, given in chronological order.
func snapshotsNewestFirst(chronological []int) []*store.HealthSnapshot {
	out := make([]*store.HealthSnapshot, len(chronological))
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range chronological {
		out[len(chronological)-1-i] = &store.HealthSnapshot{
			AgentID: "a1", ProjectID: "p1",
			TscErrors: v, TestFailures: v, Todos: v, Fixmes: v,
			Hacks: v, LargeFiles: v, OutdatedDeps: v,
			CollectedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func trendFor(t *testing.T, trends []Trend, name string) Trend {
	t.Helper()
	for _, tr := range trends {
		if tr.Name == name {
			return tr
		}
	}
	t.Fatalf("no trend %q", name)
	return Trend{}
}

func TestComputeTrendsNeedsTwoSnapshots(t *testing.T) {
	if got := ComputeTrends(nil); got != nil {
		t.Fatalf("trends = %v", got)
	}
	if got := ComputeTrends(snapshotsNewestFirst([]int{5})); got != nil {
		t.Fatalf("trends = %v", got)
	}
}

func TestComputeTrendsDirections(t *testing.T) {
	tests := []struct {
		name   string
		series []int // chronological
		want   string
	}{
		{"steady drop", []int{10, 8, 5, 2}, TrendImproving},
		{"steady rise", []int{2, 5, 8, 10}, TrendRegressing},
		{"flat", []int{4, 4, 4, 4}, TrendStable},
		{"small wiggle within threshold", []int{100, 100, 99, 101}, TrendStable},
		{"zero to zero", []int{0, 0}, TrendStable},
		{"one appears from zero", []int{0, 0, 1, 1}, TrendRegressing},
		{"odd count splits at ceil", []int{9, 9, 3}, TrendImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trends := ComputeTrends(snapshotsNewestFirst(tt.series))
			if len(trends) != 7 {
				t.Fatalf("trend count = %d", len(trends))
			}
			tr := trendFor(t, trends, "todos")
			if tr.Direction != tt.want {
				t.Fatalf("direction = %s, want %s (values %v)", tr.Direction, tt.want, tr.Values)
			}
			for i, v := range tt.series {
				if tr.Values[i] != v {
					t.Fatalf("values not chronological: %v", tr.Values)
				}
			}
		})
	}
}

func TestFormatTrendsForPrompt(t *testing.T) {
	if got := FormatTrendsForPrompt(nil); got != "No trend data available yet (need at least 2 improvement cycles)." {
		t.Fatalf("empty format = %q", got)
	}
	trends := []Trend{
		{Name: "tscErrors", Values: []int{10, 8, 5, 2}, Direction: TrendImproving},
		{Name: "todos", Values: []int{4, 4}, Direction: TrendStable},
	}
	got := FormatTrendsForPrompt(trends)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	if lines[0] != "tscErrors: 10 -> 8 -> 5 -> 2 [IMPROVING]" {
		t.Fatalf("line = %q", lines[0])
	}
	if lines[1] != "todos: 4 -> 4 [STABLE]" {
		t.Fatalf("line = %q", lines[1])
	}
}

func TestHealthSnapshotRoundTrip(t *testing.T) {
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "Worker"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateProject(ctx, &store.Project{ID: "p1", Name: "repo", Path: "/work"}); err != nil {
		t.Fatal(err)
	}

	h := NewHealth(st)
	for i, todos := range []int{9, 6, 3} {
		err := h.SaveSnapshot(ctx, &store.HealthSnapshot{
			AgentID: "a1", ProjectID: "p1", Todos: todos,
			CollectedAt: time.Date(2026, 8, 1, i, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	recent, err := h.RecentSnapshots(ctx, "a1", "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 || recent[0].Todos != 3 {
		t.Fatalf("recent = %+v", recent)
	}
	tr := trendFor(t, ComputeTrends(recent), "todos")
	if tr.Direction != TrendImproving {
		t.Fatalf("direction = %s", tr.Direction)
	}
}
