package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

type capturedSend struct {
	kind string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	kind string
	sent []capturedSend
	fail bool
}

func (f *fakeSender) Kind() string { return f.kind }

func (f *fakeSender) Send(_ context.Context, _ map[string]any, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("endpoint down")
	}
	f.sent = append(f.sent, capturedSend{kind: f.kind, text: text})
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

type notifySetup struct {
	svc     *Service
	store   *sqlite.Store
	bus     *bus.Bus
	discord *fakeSender
	chain   *fakeSender
}

func newNotifySetup(t *testing.T) *notifySetup {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.CreateAgent(ctx, &store.Agent{ID: "a1", Name: "Worker"}); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	svc := New(st, b, slog.New(slog.DiscardHandler))
	svc.timeoutFloor = 0
	discord := &fakeSender{kind: "discord"}
	chain := &fakeSender{kind: "algochat"}
	svc.RegisterSender(discord)
	svc.RegisterSender(chain)
	return &notifySetup{svc: svc, store: st, bus: b, discord: discord, chain: chain}
}

func (ns *notifySetup) addChannel(t *testing.T, id, kind string, active bool) {
	t.Helper()
	err := ns.store.CreateNotificationChannel(context.Background(), &store.NotificationChannel{
		ID: id, AgentID: "a1", Kind: kind,
		Config: map[string]any{"channelId": "c-" + id},
		Active: active,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNotifyFansOutToActiveChannels(t *testing.T) {
	ns := newNotifySetup(t)
	ns.addChannel(t, "ch1", "discord", true)
	ns.addChannel(t, "ch2", "algochat", true)
	ns.addChannel(t, "ch3", "telegram", true) // no sender registered
	ns.addChannel(t, "ch4", "discord", false)

	var wsEvents []bus.Event
	ns.bus.Subscribe("test", func(ev bus.Event) { wsEvents = append(wsEvents, ev) })

	id, attempted, err := ns.svc.Notify(context.Background(), Request{
		AgentID: "a1",
		Title:   "Build finished",
		Message: "All tests green.",
		Level:   LevelSuccess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("no notification id")
	}
	if len(attempted) != 2 {
		t.Fatalf("attempted = %v", attempted)
	}
	if got := ns.discord.texts(); len(got) != 1 || !strings.Contains(got[0], "Build finished") {
		t.Fatalf("discord sent = %v", got)
	}
	if got := ns.chain.texts(); len(got) != 1 {
		t.Fatalf("algochat sent = %v", got)
	}
	if len(wsEvents) != 1 || wsEvents[0].Type != protocol.EventAgentNotification ||
		wsEvents[0].Topic != protocol.TopicOwner {
		t.Fatalf("events = %+v", wsEvents)
	}
}

func TestNotifyDeliveryFailureStillCountsAsAttempted(t *testing.T) {
	ns := newNotifySetup(t)
	ns.addChannel(t, "ch1", "discord", true)
	ns.discord.fail = true

	_, attempted, err := ns.svc.Notify(context.Background(), Request{
		AgentID: "a1", Message: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempted) != 1 || attempted[0] != "discord" {
		t.Fatalf("attempted = %v", attempted)
	}
}

func TestNotifyRejectsBadInput(t *testing.T) {
	ns := newNotifySetup(t)
	if _, _, err := ns.svc.Notify(context.Background(), Request{AgentID: "a1"}); err == nil {
		t.Fatal("empty message accepted")
	}
	if _, _, err := ns.svc.Notify(context.Background(), Request{
		AgentID: "a1", Message: "x", Level: "loud",
	}); err == nil {
		t.Fatal("unknown level accepted")
	}
}

func TestAskResolvedByShortID(t *testing.T) {
	ns := newNotifySetup(t)
	ns.addChannel(t, "ch1", "discord", true)

	idCh := make(chan string, 1)
	ns.bus.Subscribe("test", func(ev bus.Event) {
		if ev.Type == protocol.EventAgentQuestion {
			if id, _ := ev.Payload["shortId"].(string); id != "" {
				idCh <- id
			}
		}
	})

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := ns.svc.Ask(context.Background(), Question{
			AgentID:  "a1",
			Question: "Deploy to production?",
			Options:  []string{"yes", "no"},
			Timeout:  time.Minute,
		})
		done <- result{answer, err}
	}()

	var shortID string
	select {
	case shortID = <-idCh:
	case <-time.After(5 * time.Second):
		t.Fatal("question never broadcast")
	}
	if sent := ns.discord.texts(); len(sent) != 1 || !strings.Contains(sent[0], shortID) {
		t.Fatalf("dispatched question = %v", sent)
	}

	if !ns.svc.Resolve(shortID, "yes, ship it") {
		t.Fatal("resolve failed")
	}
	res := <-done
	if res.err != nil || res.answer != "yes, ship it" {
		t.Fatalf("answer = %q err = %v", res.answer, res.err)
	}
	if ns.svc.Resolve(shortID, "again") {
		t.Fatal("second resolution must lose")
	}
}

func TestAskTimesOutToNoResponse(t *testing.T) {
	ns := newNotifySetup(t)
	answer, err := ns.svc.Ask(context.Background(), Question{
		AgentID:  "a1",
		Question: "Anyone there?",
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if answer != NoResponse {
		t.Fatalf("answer = %q", answer)
	}
	if ids := ns.svc.PendingShortIDs(); len(ids) != 0 {
		t.Fatalf("pending after timeout: %v", ids)
	}
}

func TestAskTracksQuestionsIndependently(t *testing.T) {
	ns := newNotifySetup(t)

	var mu sync.Mutex
	var shortIDs []string
	ns.bus.Subscribe("test", func(ev bus.Event) {
		if ev.Type == protocol.EventAgentQuestion {
			mu.Lock()
			id, _ := ev.Payload["shortId"].(string)
			shortIDs = append(shortIDs, id)
			mu.Unlock()
		}
	})

	answers := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			answer, _ := ns.svc.Ask(context.Background(), Question{
				AgentID:  "a1",
				Question: fmt.Sprintf("question %d", n),
				Timeout:  time.Minute,
			})
			answers <- answer
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(shortIDs)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("questions never broadcast")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	first, second := shortIDs[0], shortIDs[1]
	mu.Unlock()
	if !ns.svc.Resolve(second, "b") || !ns.svc.Resolve(first, "a") {
		t.Fatal("resolutions failed")
	}
	got := map[string]bool{<-answers: true, <-answers: true}
	if !got["a"] || !got["b"] {
		t.Fatalf("answers = %v", got)
	}
}

func TestResolveUnknownIDFails(t *testing.T) {
	ns := newNotifySetup(t)
	if ns.svc.Resolve("abc123", "hello") {
		t.Fatal("unknown id resolved")
	}
}
