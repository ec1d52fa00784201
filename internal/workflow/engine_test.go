package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/internal/store/sqlite"
)

type fakeRunner struct {
	mu        sync.Mutex
	started   []*store.Session
	subs      map[string]map[string]procman.SubscriberFn
	seq       int
	active    int
	maxActive int
	autoExit  bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{subs: map[string]map[string]procman.SubscriberFn{}}
}

func (f *fakeRunner) StartProcess(_ context.Context, sess *store.Session, _ string, _ procman.StartOptions) error {
	f.mu.Lock()
	cp := *sess
	f.started = append(f.started, &cp)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	auto := f.autoExit
	f.mu.Unlock()
	if auto {
		f.exit(sess.ID)
	}
	return nil
}

func (f *fakeRunner) Subscribe(sessionID string, fn procman.SubscriberFn) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	token := fmt.Sprintf("t%d", f.seq)
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = map[string]procman.SubscriberFn{}
	}
	f.subs[sessionID][token] = fn
	return token
}

func (f *fakeRunner) Unsubscribe(sessionID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[sessionID], token)
}

func (f *fakeRunner) exit(sessionID string) {
	f.mu.Lock()
	f.active--
	fns := make([]procman.SubscriberFn, 0, len(f.subs[sessionID]))
	for _, fn := range f.subs[sessionID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, procman.Event{Type: procman.EventSessionExited})
	}
}

func (f *fakeRunner) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeRunner) waitForSessions(t *testing.T, n int) []*store.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.started) >= n {
			out := append([]*store.Session(nil), f.started...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions", n)
	return nil
}

type wfSetup struct {
	engine *Engine
	store  *sqlite.Store
	runner *fakeRunner
}

func newWfSetup(t *testing.T) *wfSetup {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.CreateProject(ctx, &store.Project{ID: "p1", Name: "repo", Path: "/work/repo"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "Worker", DefaultProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}
	runner := newFakeRunner()
	engine := New(st, runner, bus.New(), slog.New(slog.DiscardHandler))
	return &wfSetup{engine: engine, store: st, runner: runner}
}

func (ws *wfSetup) addWorkflow(t *testing.T, w *store.Workflow) *store.Workflow {
	t.Helper()
	if w.AgentID == "" {
		w.AgentID = "a1"
	}
	if w.Status == "" {
		w.Status = store.WorkflowActive
	}
	if w.MaxConcurrency == 0 {
		w.MaxConcurrency = 4
	}
	if err := ws.store.CreateWorkflow(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w
}

func (ws *wfSetup) waitForRunStatus(t *testing.T, runID string, statuses ...string) *store.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := ws.store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		for _, s := range statuses {
			if run.Status == s {
				return run
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %v", runID, statuses)
	return nil
}

func (ws *wfSetup) nodeRun(t *testing.T, runID, nodeID string) *store.WorkflowNodeRun {
	t.Helper()
	nrs, err := ws.store.ListNodeRuns(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, nr := range nrs {
		if nr.NodeID == nodeID {
			return nr
		}
	}
	return nil
}

func TestValidateWorkflow(t *testing.T) {
	base := func() *store.Workflow {
		return &store.Workflow{
			MaxConcurrency: 1,
			Nodes: []store.WorkflowNode{
				{ID: "s", Type: "start"},
				{ID: "x", Type: "branch"},
			},
			Edges: []store.WorkflowEdge{{ID: "e1", Source: "s", Target: "x"}},
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid workflow rejected: %v", err)
	}

	w := base()
	w.Nodes[0].Type = "branch"
	if err := Validate(w); err == nil || !strings.Contains(err.Error(), "start") {
		t.Fatalf("missing start node: %v", err)
	}

	w = base()
	w.Edges[0].Target = "ghost"
	if err := Validate(w); err == nil || !strings.Contains(err.Error(), "unknown node") {
		t.Fatalf("dangling edge: %v", err)
	}

	w = base()
	w.Edges[0].Condition = "a =="
	if err := Validate(w); err == nil || !strings.Contains(err.Error(), "condition") {
		t.Fatalf("bad condition: %v", err)
	}

	w = base()
	w.MaxConcurrency = 0
	if err := Validate(w); err == nil {
		t.Fatal("zero concurrency accepted")
	}
}

func TestTriggerRequiresActiveWorkflow(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "draft", Status: store.WorkflowDraft,
		Nodes: []store.WorkflowNode{{ID: "s", Type: "start"}},
	})
	if _, err := ws.engine.Trigger(context.Background(), w.ID, nil); err == nil {
		t.Fatal("draft workflow must not trigger")
	}
}

func TestLinearRunWithAgentSession(t *testing.T) {
	ws := newWfSetup(t)
	ws.runner.autoExit = true
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "linear",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "work", Type: "agent_session", Label: "summarise",
				Config: map[string]any{"prompt": "summarise the repo"}},
		},
		Edges: []store.WorkflowEdge{{ID: "e1", Source: "s", Target: "work"}},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, map[string]any{"topic": "repo"})
	if err != nil {
		t.Fatal(err)
	}
	sess := ws.runner.waitForSessions(t, 1)[0]
	ws.store.AddMessage(context.Background(), &store.SessionMessage{
		SessionID: sess.ID, Role: "assistant", Content: "all done",
	})

	got := ws.waitForRunStatus(t, run.ID, store.RunCompleted, store.RunFailed)
	if got.Status != store.RunCompleted {
		t.Fatalf("run = %s (%s)", got.Status, got.Error)
	}
	if sess.Source != store.SourceAgent || sess.WorkDir != "/work/repo" {
		t.Fatalf("session = %+v", sess)
	}

	nr := ws.nodeRun(t, run.ID, "work")
	if nr == nil || nr.Status != store.NodeCompleted || nr.SessionID != sess.ID {
		t.Fatalf("node run = %+v", nr)
	}
	if nr.Started == nil || nr.Completed == nil {
		t.Fatal("timestamps not persisted")
	}
}

func TestConditionalEdgesSelectBranch(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "branching",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "high", Type: "branch"},
			{ID: "low", Type: "branch"},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "s", Target: "high", Condition: "score > 5"},
			{ID: "e2", Source: "s", Target: "low", Condition: "score <= 5"},
		},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, map[string]any{"score": float64(7)})
	if err != nil {
		t.Fatal(err)
	}
	got := ws.waitForRunStatus(t, run.ID, store.RunCompleted)
	if ws.nodeRun(t, run.ID, "high") == nil {
		t.Fatal("high branch did not run")
	}
	if ws.nodeRun(t, run.ID, "low") != nil {
		t.Fatal("low branch should not have run")
	}
	if got.Output["score"] != float64(7) {
		t.Fatalf("output = %v", got.Output)
	}
}

func TestDiamondJoinRunsOnce(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "diamond",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "a", Type: "branch"},
			{ID: "b", Type: "branch"},
			{ID: "j", Type: "join"},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "s", Target: "a"},
			{ID: "e2", Source: "s", Target: "b"},
			{ID: "e3", Source: "a", Target: "j"},
			{ID: "e4", Source: "b", Target: "j"},
		},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	ws.waitForRunStatus(t, run.ID, store.RunCompleted)

	nrs, err := ws.store.ListNodeRuns(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	joins := 0
	for _, nr := range nrs {
		if nr.NodeID == "j" {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("join ran %d times", joins)
	}
	if len(nrs) != 4 {
		t.Fatalf("node runs = %d", len(nrs))
	}
}

func TestMaxConcurrencyCapsParallelSessions(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "capped", MaxConcurrency: 1,
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "one", Type: "agent_session", Config: map[string]any{"prompt": "first"}},
			{ID: "two", Type: "agent_session", Config: map[string]any{"prompt": "second"}},
		},
		Edges: []store.WorkflowEdge{
			{ID: "e1", Source: "s", Target: "one"},
			{ID: "e2", Source: "s", Target: "two"},
		},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := ws.runner.waitForSessions(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := ws.runner.sessionCount(); got != 1 {
		t.Fatalf("second session started before the first exited (%d running)", got)
	}
	ws.runner.exit(first[0].ID)
	all := ws.runner.waitForSessions(t, 2)
	ws.runner.exit(all[1].ID)

	ws.waitForRunStatus(t, run.ID, store.RunCompleted)
	ws.runner.mu.Lock()
	maxActive := ws.runner.maxActive
	ws.runner.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("maxActive = %d", maxActive)
	}
}

func TestNodeFailureFailsRun(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "failing",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "bad", Type: "agent_session"}, // no prompt anywhere
		},
		Edges: []store.WorkflowEdge{{ID: "e1", Source: "s", Target: "bad"}},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := ws.waitForRunStatus(t, run.ID, store.RunFailed, store.RunCompleted)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "node bad") {
		t.Fatalf("error = %q", got.Error)
	}
	nr := ws.nodeRun(t, run.ID, "bad")
	if nr.Status != store.NodeFailed || nr.Error == "" {
		t.Fatalf("node run = %+v", nr)
	}
}

func TestWorkTaskNode(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "tasker",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "task", Type: "work_task",
				Config: map[string]any{"description": "fix the flaky test"}},
		},
		Edges: []store.WorkflowEdge{{ID: "e1", Source: "s", Target: "task"}},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := ws.waitForRunStatus(t, run.ID, store.RunCompleted)
	nr := ws.nodeRun(t, run.ID, "task")
	if nr.WorkTaskID == "" {
		t.Fatalf("node run = %+v", nr)
	}
	if got.Output["workTaskId"] != nr.WorkTaskID {
		t.Fatalf("output = %v", got.Output)
	}
	n, err := ws.store.CountWorkTasksToday(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("work tasks = %d", n)
	}
}

func TestCancelRun(t *testing.T) {
	ws := newWfSetup(t)
	w := ws.addWorkflow(t, &store.Workflow{
		ID: "w1", Name: "slow",
		Nodes: []store.WorkflowNode{
			{ID: "s", Type: "start"},
			{ID: "z", Type: "wait", Config: map[string]any{"durationMs": float64(60_000)}},
		},
		Edges: []store.WorkflowEdge{{ID: "e1", Source: "s", Target: "z"}},
	})

	run, err := ws.engine.Trigger(context.Background(), w.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for ws.nodeRun(t, run.ID, "z") == nil {
		if time.Now().After(deadline) {
			t.Fatal("wait node never enqueued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !ws.engine.Cancel(run.ID) {
		t.Fatal("cancel found no run")
	}
	got := ws.waitForRunStatus(t, run.ID, store.RunCancelled)
	if got.Completed == nil {
		t.Fatal("completed timestamp missing")
	}
}
