package subscribe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
)

// --- virtual clock ---

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.when = t.clock.now.Add(d)
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.when
		next.stopped = true
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

// --- fakes ---

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string]map[string]procman.SubscriberFn
	seq      int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: map[string]map[string]procman.SubscriberFn{}}
}

func (f *fakeSource) Subscribe(sessionID string, fn procman.SubscriberFn) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	token := string(rune('a' + f.seq))
	if f.handlers[sessionID] == nil {
		f.handlers[sessionID] = map[string]procman.SubscriberFn{}
	}
	f.handlers[sessionID][token] = fn
	return token
}

func (f *fakeSource) Unsubscribe(sessionID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sessionID], token)
}

func (f *fakeSource) deliver(sessionID string, ev procman.Event) {
	f.mu.Lock()
	fns := make([]procman.SubscriberFn, 0)
	for _, fn := range f.handlers[sessionID] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, ev)
	}
}

func (f *fakeSource) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[sessionID])
}

type fakeResponder struct {
	mu     sync.Mutex
	status []string
	finals []string
}

func (r *fakeResponder) SendStatus(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, text)
	return nil
}

func (r *fakeResponder) SendFinal(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, text)
	return nil
}

func newTestSetup() (*Manager, *fakeSource, *fakeClock, *fakeResponder) {
	src := newFakeSource()
	clock := newFakeClock()
	m := NewManager(src, clock, slog.New(slog.DiscardHandler))
	return m, src, clock, &fakeResponder{}
}

func textTurn(src *fakeSource, sessionID, text string) {
	src.deliver(sessionID, procman.Event{Type: procman.EventContentBlockStart, BlockType: "text"})
	src.deliver(sessionID, procman.Event{Type: procman.EventContentBlockDelta, Text: text})
	src.deliver(sessionID, procman.Event{Type: procman.EventContentBlockStop})
}

// --- tests ---

func TestAckAfterDelay(t *testing.T) {
	m, src, clock, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	src.deliver("s1", procman.Event{Type: procman.EventAssistant})
	clock.Advance(9 * time.Second)
	r.mu.Lock()
	n := len(r.status)
	r.mu.Unlock()
	if n != 0 {
		t.Fatalf("ack fired early: %v", r.status)
	}

	clock.Advance(2 * time.Second)
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.status) != 1 || r.status[0] != "Working on it..." {
		t.Fatalf("status = %v, want the ack", r.status)
	}
}

func TestResultBeforeAckCancelsIt(t *testing.T) {
	m, src, clock, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	src.deliver("s1", procman.Event{Type: procman.EventAssistant})
	textTurn(src, "s1", "quick answer")
	src.deliver("s1", procman.Event{Type: procman.EventResult})
	clock.Advance(time.Minute)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.status {
		if s == "Working on it..." {
			t.Fatal("ack should have been cancelled by the result")
		}
	}
}

func TestProgressAfterAck(t *testing.T) {
	m, src, clock, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	src.deliver("s1", procman.Event{Type: procman.EventAssistant})
	clock.Advance(11 * time.Second) // ack
	clock.Advance(2 * time.Minute)  // first progress

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.status) < 2 {
		t.Fatalf("status = %v, want ack then progress", r.status)
	}
	if !strings.Contains(r.status[1], "Still working") {
		t.Fatalf("progress = %q", r.status[1])
	}
}

func TestExactlyOneFinalPrefersLastTextBlock(t *testing.T) {
	m, src, _, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	textTurn(src, "s1", "turn one answer")
	src.deliver("s1", procman.Event{Type: procman.EventResult})
	textTurn(src, "s1", "turn two answer")
	src.deliver("s1", procman.Event{Type: procman.EventSessionExited})
	// A duplicate exit must not produce a second final.
	src.deliver("s1", procman.Event{Type: procman.EventSessionExited})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.finals) != 1 {
		t.Fatalf("finals = %v, want exactly one", r.finals)
	}
	if r.finals[0] != "turn two answer" {
		t.Fatalf("final = %q, want the last text block", r.finals[0])
	}
}

func TestFinalFallsBackToLastTurnResponse(t *testing.T) {
	m, src, _, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	textTurn(src, "s1", "the answer")
	src.deliver("s1", procman.Event{Type: procman.EventResult})
	src.deliver("s1", procman.Event{Type: procman.EventSessionExited})

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.finals) != 1 || r.finals[0] != "the answer" {
		t.Fatalf("finals = %v, want the turn response", r.finals)
	}
}

func TestStatusPreviewTrimmed(t *testing.T) {
	m, src, _, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	long := strings.Repeat("x", 500)
	textTurn(src, "s1", long)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.status) != 1 {
		t.Fatalf("status = %v", r.status)
	}
	if got := len(r.status[0]); got != statusPreviewMax+3 { // +3 for "..."
		t.Fatalf("preview length = %d", got)
	}
	if !strings.HasSuffix(r.status[0], "...") {
		t.Fatalf("preview = %q, want ... suffix", r.status[0])
	}
}

func TestStatusPreviewKeepsRunesWhole(t *testing.T) {
	// Place a multi-byte rune across the byte budget; the cut must back
	// up to the rune boundary instead of emitting a broken sequence.
	long := strings.Repeat("x", statusPreviewMax-1) + "héllo wörld"
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Fatalf("preview emitted invalid UTF-8: %q", got)
	}
	if len(got) > statusPreviewMax+3 {
		t.Fatalf("preview length = %d, over budget", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("preview = %q, want ... suffix", got)
	}
}

func TestSubscriptionTimeoutFlushes(t *testing.T) {
	m, src, clock, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)

	textTurn(src, "s1", "partial work")
	clock.Advance(subscriptionTimeout + time.Second)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.finals) != 1 || r.finals[0] != "partial work" {
		t.Fatalf("finals = %v, want the flushed block", r.finals)
	}
	if src.count("s1") != 0 {
		t.Fatal("builder should have unsubscribed")
	}
}

func TestChainRegistrationIdempotent(t *testing.T) {
	m, src, _, r := newTestSetup()
	m.SubscribeChain("s1", "ADDR", r)
	m.SubscribeChain("s1", "ADDR", r)
	if src.count("s1") != 1 {
		t.Fatalf("subscriptions = %d, want 1", src.count("s1"))
	}
}

func TestWSStreamerFlow(t *testing.T) {
	m, src, _, _ := newTestSetup()

	type sent struct {
		typ     string
		payload map[string]any
	}
	var mu sync.Mutex
	var out []sent
	m.SubscribeWS("s1", func(typ string, payload map[string]any) {
		mu.Lock()
		out = append(out, sent{typ, payload})
		mu.Unlock()
	})

	src.deliver("s1", procman.Event{Type: procman.EventAssistant})
	src.deliver("s1", procman.Event{Type: procman.EventContentBlockDelta, Text: "hel"})
	src.deliver("s1", procman.Event{Type: procman.EventContentBlockDelta, Text: "lo"})
	src.deliver("s1", procman.Event{Type: procman.EventResult})
	src.deliver("s1", procman.Event{Type: procman.EventSessionExited})

	mu.Lock()
	defer mu.Unlock()
	var types []string
	for _, s := range out {
		types = append(types, s.typ)
	}
	want := []string{"thinking", "stream", "stream", "thinking", "stream", "agent_message", "session_exited"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", types, want)
	}
	// The per-turn message carries the accumulated text.
	for _, s := range out {
		if s.typ == "agent_message" && s.payload["content"] != "hello" {
			t.Fatalf("agent_message content = %v", s.payload["content"])
		}
	}
	if src.count("s1") != 0 {
		t.Fatal("streamer should have unsubscribed on exit")
	}
}

func TestWSReplaceSendFn(t *testing.T) {
	m, src, _, _ := newTestSetup()
	var first, second int
	var mu sync.Mutex
	m.SubscribeWS("s1", func(string, map[string]any) { mu.Lock(); first++; mu.Unlock() })
	m.SubscribeWS("s1", func(string, map[string]any) { mu.Lock(); second++; mu.Unlock() })

	if src.count("s1") != 1 {
		t.Fatalf("subscriptions = %d, want 1", src.count("s1"))
	}
	src.deliver("s1", procman.Event{Type: procman.EventContentBlockDelta, Text: "x"})
	mu.Lock()
	defer mu.Unlock()
	if first != 0 || second == 0 {
		t.Fatalf("first=%d second=%d; replacement send fn should receive events", first, second)
	}
}
