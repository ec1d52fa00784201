package council

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
	mu      sync.Mutex
	started []*store.Session
	prompts map[string]string // sessionID -> initial prompt
	subs    map[string]map[string]procman.SubscriberFn
	seq     int
	failAll bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		prompts: map[string]string{},
		subs:    map[string]map[string]procman.SubscriberFn{},
	}
}

func (f *fakeRunner) StartProcess(_ context.Context, sess *store.Session, prompt string, _ procman.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("spawn refused")
	}
	cp := *sess
	f.started = append(f.started, &cp)
	f.prompts[sess.ID] = prompt
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
	fns := make([]procman.SubscriberFn, 0)
	for _, fn := range f.subs[sessionID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, procman.Event{Type: procman.EventSessionExited})
	}
}

func (f *fakeRunner) sessionsByRole(role string) []*store.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, s := range f.started {
		if s.CouncilRole == role {
			out = append(out, s)
		}
	}
	return out
}

type councilSetup struct {
	engine  *Engine
	store   *sqlite.Store
	runner  *fakeRunner
	council *store.Council
}

func newCouncilSetup(t *testing.T, memberCount int, chairman string, rounds int) *councilSetup {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	c := &store.Council{ID: "c1", Name: "architects", DiscussionRounds: rounds, ChairmanAgentID: chairman}
	for i := 0; i < memberCount; i++ {
		id := fmt.Sprintf("agent%d", i)
		if err := st.CreateAgent(ctx, &store.Agent{ID: id, Name: fmt.Sprintf("Agent %d", i)}); err != nil {
			t.Fatal(err)
		}
		c.MemberAgentIDs = append(c.MemberAgentIDs, id)
	}
	if err := st.CreateCouncil(ctx, c); err != nil {
		t.Fatal(err)
	}

	runner := newFakeRunner()
	engine := New(st, runner, bus.New(), slog.New(slog.DiscardHandler))
	return &councilSetup{engine: engine, store: st, runner: runner, council: c}
}

func (cs *councilSetup) addAssistantText(t *testing.T, sessionID, text string) {
	t.Helper()
	err := cs.store.AddMessage(context.Background(), &store.SessionMessage{
		SessionID: sessionID, Role: "assistant", Content: text,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitForStage(t *testing.T, st *sqlite.Store, launchID, stage string) *store.CouncilLaunch {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l, err := st.GetLaunch(context.Background(), launchID)
		if err == nil && l.Stage == stage {
			return l
		}
		time.Sleep(10 * time.Millisecond)
	}
	l, _ := st.GetLaunch(context.Background(), launchID)
	t.Fatalf("launch never reached %s (at %v)", stage, l)
	return nil
}

func TestLaunchSpawnsOneMemberSessionPerAgent(t *testing.T) {
	cs := newCouncilSetup(t, 3, "", 0)
	launch, err := cs.engine.Launch(context.Background(), "c1", "", "What storage engine should we pick?")
	if err != nil {
		t.Fatal(err)
	}
	if launch.Stage != store.StageQueued {
		t.Fatalf("launch created at %s", launch.Stage)
	}
	got, err := cs.store.GetLaunch(context.Background(), launch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != store.StageResponding {
		t.Fatalf("stage = %s, want responding", got.Stage)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	if len(members) != 3 {
		t.Fatalf("member sessions = %d, want 3", len(members))
	}
	for _, s := range members {
		if cs.runner.prompts[s.ID] != "What storage engine should we pick?" {
			t.Fatalf("member prompt = %q", cs.runner.prompts[s.ID])
		}
		if s.CouncilLaunchID != launch.ID {
			t.Fatal("member session not attached to launch")
		}
	}
}

func TestLaunchFailsWhenNoSessionStarts(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	cs.runner.failAll = true
	launch, err := cs.engine.Launch(context.Background(), "c1", "", "q")
	if err == nil {
		t.Fatal("expected launch failure")
	}
	_ = launch
}

func TestReviewPromptExcludesOwnResponse(t *testing.T) {
	cs := newCouncilSetup(t, 3, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	for i, s := range members {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("Unique response %d", i))
	}

	res := cs.engine.TriggerReview(ctx, launch.ID)
	if !res.OK || len(res.SessionIDs) != 3 {
		t.Fatalf("review result = %+v", res)
	}
	reviewers := cs.runner.sessionsByRole(store.RoleReviewer)
	if len(reviewers) != 3 {
		t.Fatalf("reviewer sessions = %d", len(reviewers))
	}
	for _, r := range reviewers {
		prompt := cs.runner.prompts[r.ID]
		for i, m := range members {
			own := m.AgentID == r.AgentID
			has := strings.Contains(prompt, fmt.Sprintf("Unique response %d", i))
			if own && has {
				t.Fatalf("reviewer %s saw its own response", r.AgentID)
			}
			if !own && !has {
				t.Fatalf("reviewer %s missing response %d", r.AgentID, i)
			}
		}
	}
	got := waitForStage(t, cs.store, launch.ID, store.StageReviewing)
	if got.Stage != store.StageReviewing {
		t.Fatalf("stage = %s", got.Stage)
	}
}

func TestReviewRejectedFromTerminalStage(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	if res := cs.engine.FinishWithAggregatedSynthesis(ctx, launch.ID); !res.OK {
		t.Fatalf("finish failed: %+v", res)
	}
	res := cs.engine.TriggerReview(ctx, launch.ID)
	if res.OK || res.Status != 400 {
		t.Fatalf("result = %+v, want 400", res)
	}
	if !strings.Contains(res.Error, "Cannot start review from stage") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestReviewUnknownLaunchIs404(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	res := cs.engine.TriggerReview(context.Background(), "nope")
	if res.OK || res.Status != 404 {
		t.Fatalf("result = %+v, want 404", res)
	}
}

func TestSynthesisRequiresChairman(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range cs.runner.sessionsByRole(store.RoleMember) {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("r%d", i))
	}
	if res := cs.engine.TriggerReview(ctx, launch.ID); !res.OK {
		t.Fatalf("review failed: %+v", res)
	}
	res := cs.engine.TriggerSynthesis(ctx, launch.ID, false, "")
	if res.OK || res.Status != 400 {
		t.Fatalf("result = %+v, want 400", res)
	}
	if !strings.Contains(res.Error, "no chairman") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestSynthesisRejectedFromWrongStage(t *testing.T) {
	cs := newCouncilSetup(t, 2, "agent0", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	res := cs.engine.TriggerSynthesis(ctx, launch.ID, false, "")
	if res.OK || res.Status != 400 {
		t.Fatalf("result = %+v, want 400", res)
	}
	if !strings.Contains(res.Error, "Cannot synthesize from stage") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestAggregatedFinishFallbackWhenSilent(t *testing.T) {
	cs := newCouncilSetup(t, 3, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	if res := cs.engine.FinishWithAggregatedSynthesis(ctx, launch.ID); !res.OK {
		t.Fatalf("finish failed: %+v", res)
	}
	got, err := cs.store.GetLaunch(ctx, launch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != store.StageComplete {
		t.Fatalf("stage = %s", got.Stage)
	}
	if got.Synthesis != "(No responses were produced by council members)" {
		t.Fatalf("synthesis = %q", got.Synthesis)
	}
}

func TestAggregatedFinishPrefersReviewers(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	cs.addAssistantText(t, members[0].ID, "member view")
	cs.addAssistantText(t, members[1].ID, "member view")
	if res := cs.engine.TriggerReview(ctx, launch.ID); !res.OK {
		t.Fatalf("review failed: %+v", res)
	}
	reviewers := cs.runner.sessionsByRole(store.RoleReviewer)
	cs.addAssistantText(t, reviewers[0].ID, "reviewer verdict")

	if res := cs.engine.FinishWithAggregatedSynthesis(ctx, launch.ID); !res.OK {
		t.Fatalf("finish failed: %+v", res)
	}
	got, _ := cs.store.GetLaunch(ctx, launch.ID)
	if !strings.Contains(got.Synthesis, "reviewer verdict") {
		t.Fatalf("synthesis = %q, want reviewer content", got.Synthesis)
	}
	if strings.Contains(got.Synthesis, "member view") {
		t.Fatalf("synthesis = %q, member content should be suppressed", got.Synthesis)
	}
	if !strings.Contains(got.Synthesis, "### Agent 0") {
		t.Fatalf("synthesis = %q, want agent header", got.Synthesis)
	}
}

func TestChairmanSynthesisCompletion(t *testing.T) {
	cs := newCouncilSetup(t, 2, "agent0", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range cs.runner.sessionsByRole(store.RoleMember) {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("r%d", i))
	}
	if res := cs.engine.TriggerReview(ctx, launch.ID); !res.OK {
		t.Fatalf("review failed: %+v", res)
	}
	res := cs.engine.TriggerSynthesis(ctx, launch.ID, true, "")
	if !res.OK || res.SessionID == "" {
		t.Fatalf("synthesis trigger = %+v", res)
	}

	cs.addAssistantText(t, res.SessionID, "The final synthesized answer is 42.")
	cs.runner.exit(res.SessionID)

	got := waitForStage(t, cs.store, launch.ID, store.StageComplete)
	if got.Synthesis != "The final synthesized answer is 42." {
		t.Fatalf("synthesis = %q", got.Synthesis)
	}
}

func TestChairmanExitWithoutOutputUsesPlaceholder(t *testing.T) {
	cs := newCouncilSetup(t, 2, "agent1", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range cs.runner.sessionsByRole(store.RoleMember) {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("r%d", i))
	}
	if res := cs.engine.TriggerReview(ctx, launch.ID); !res.OK {
		t.Fatalf("review failed: %+v", res)
	}
	res := cs.engine.TriggerSynthesis(ctx, launch.ID, false, "")
	if !res.OK {
		t.Fatalf("synthesis trigger = %+v", res)
	}
	cs.runner.exit(res.SessionID)

	got := waitForStage(t, cs.store, launch.ID, store.StageComplete)
	if got.Synthesis != "(no synthesis produced)" {
		t.Fatalf("synthesis = %q", got.Synthesis)
	}
}

func TestAutoAdvanceMembersToReview(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	for i, s := range members {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("r%d", i))
	}
	for _, s := range members {
		cs.runner.exit(s.ID)
	}
	waitForStage(t, cs.store, launch.ID, store.StageReviewing)
	if len(cs.runner.sessionsByRole(store.RoleReviewer)) != 2 {
		t.Fatal("auto-advance did not create reviewer sessions")
	}
}

func TestAutoAdvanceRunsDiscussionRoundsFirst(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 1)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	for i, s := range members {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("position %d", i))
	}
	for _, s := range members {
		cs.runner.exit(s.ID)
	}
	waitForStage(t, cs.store, launch.ID, store.StageDiscussing)

	msgs, err := cs.store.ListDiscussionMessages(ctx, launch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Round != 1 {
		t.Fatalf("discussion messages = %v", msgs)
	}

	// Round sessions are the newly spawned members.
	round := cs.runner.sessionsByRole(store.RoleMember)[len(members):]
	if len(round) != 2 {
		t.Fatalf("round sessions = %d", len(round))
	}
	if !strings.Contains(cs.runner.prompts[round[0].ID], "position 1") {
		t.Fatal("discussion prompt missing shared context")
	}
	for _, s := range round {
		cs.runner.exit(s.ID)
	}
	waitForStage(t, cs.store, launch.ID, store.StageReviewing)
}

func TestReviewerAutoAdvanceWithoutChairmanAggregates(t *testing.T) {
	cs := newCouncilSetup(t, 2, "", 0)
	ctx := context.Background()
	launch, err := cs.engine.Launch(ctx, "c1", "", "q")
	if err != nil {
		t.Fatal(err)
	}
	members := cs.runner.sessionsByRole(store.RoleMember)
	for i, s := range members {
		cs.addAssistantText(t, s.ID, fmt.Sprintf("r%d", i))
	}
	if res := cs.engine.TriggerReview(ctx, launch.ID); !res.OK {
		t.Fatalf("review failed: %+v", res)
	}
	reviewers := cs.runner.sessionsByRole(store.RoleReviewer)
	cs.addAssistantText(t, reviewers[0].ID, "verdict")
	for _, s := range reviewers {
		cs.runner.exit(s.ID)
	}
	got := waitForStage(t, cs.store, launch.ID, store.StageComplete)
	if !strings.Contains(got.Synthesis, "verdict") {
		t.Fatalf("synthesis = %q", got.Synthesis)
	}
}
