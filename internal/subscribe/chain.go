// Package subscribe turns the process manager's fine-grained event stream
// into two higher-level consumers: an on-chain response builder and a
// local WebSocket streamer.
package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
)

const (
	ackDelay         = 10 * time.Second
	progressInterval = 2 * time.Minute
	statusPreviewMax = 300
	historyMax       = 100
	// subscriptionTimeout forces a single flush-and-unsubscribe when the
	// session goes quiet on the subscription side.
	subscriptionTimeout = 10 * time.Minute
)

// ChainResponder delivers builder output back to the participant. Status
// posts (ack, previews, progress) and the single final response take
// different egress paths in the bridge.
type ChainResponder interface {
	SendStatus(ctx context.Context, participant, text string) error
	SendFinal(ctx context.Context, participant, text string) error
}

// chainBuilder aggregates one session's stream for one on-chain
// participant.
type chainBuilder struct {
	sessionID   string
	participant string
	responder   ChainResponder
	clock       Clock
	log         *slog.Logger
	unsub       func()

	mu               sync.Mutex
	inTextBlock      bool
	currentTextBlock strings.Builder
	lastTextBlock    string
	lastTurnResponse string
	allText          []string // fallback: every completed text block

	sawAssistant bool
	ackTimer     Timer
	ackFired     bool
	progTimer    Timer
	subTimer     Timer
	started      time.Time

	toolsUsed int
	history   []string // last actions, bounded historyMax

	finalSent bool
	closed    bool
}

func (b *chainBuilder) handle(_ string, ev procman.Event) {
	switch ev.Type {
	case procman.EventAssistant:
		b.onAssistant()
	case procman.EventContentBlockStart:
		b.onBlockStart(ev)
	case procman.EventContentBlockDelta:
		b.onDelta(ev)
	case procman.EventContentBlockStop:
		b.onBlockStop()
	case procman.EventToolStatus:
		b.onToolStatus(ev)
	case procman.EventToolUse:
		b.mu.Lock()
		b.toolsUsed++
		b.track("tool: " + ev.ToolName)
		b.mu.Unlock()
	case procman.EventResult:
		b.onResult()
	case procman.EventSessionExited:
		b.finish("session exited")
	}
	b.touch()
}

func (b *chainBuilder) onAssistant() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sawAssistant {
		return
	}
	b.sawAssistant = true
	b.started = b.clock.Now()
	// Ack after a delay so fast turns answer directly without a
	// "working on it" preamble.
	b.ackTimer = b.clock.AfterFunc(ackDelay, b.fireAck)
}

func (b *chainBuilder) fireAck() {
	b.mu.Lock()
	if b.closed || b.ackFired {
		b.mu.Unlock()
		return
	}
	b.ackFired = true
	b.progTimer = b.clock.AfterFunc(progressInterval, b.fireProgress)
	b.mu.Unlock()
	b.sendStatus("Working on it...")
}

func (b *chainBuilder) fireProgress() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	elapsed := b.clock.Now().Sub(b.started).Round(time.Second)
	summary := fmt.Sprintf("Still working (%s elapsed, %d tool calls)", elapsed, b.toolsUsed)
	if n := len(b.history); n > 0 {
		summary += " -- last: " + b.history[n-1]
	}
	b.progTimer.Reset(progressInterval)
	b.mu.Unlock()
	b.sendStatus(summary)
}

func (b *chainBuilder) onBlockStart(ev procman.Event) {
	if ev.BlockType != "" && ev.BlockType != "text" {
		return
	}
	b.mu.Lock()
	b.inTextBlock = true
	b.currentTextBlock.Reset()
	b.mu.Unlock()
}

func (b *chainBuilder) onDelta(ev procman.Event) {
	b.mu.Lock()
	if b.inTextBlock {
		b.currentTextBlock.WriteString(ev.Text)
	}
	b.mu.Unlock()
}

func (b *chainBuilder) onBlockStop() {
	b.mu.Lock()
	if !b.inTextBlock {
		b.mu.Unlock()
		return
	}
	b.inTextBlock = false
	text := b.currentTextBlock.String()
	b.currentTextBlock.Reset()
	if text == "" {
		b.mu.Unlock()
		return
	}
	b.lastTextBlock = text
	b.allText = append(b.allText, text)
	b.track("wrote text")
	b.mu.Unlock()

	b.sendStatus(preview(text))
}

func (b *chainBuilder) onToolStatus(ev procman.Event) {
	b.mu.Lock()
	// A tool status doubles as the ack: cancel the delay and speak now.
	if b.ackTimer != nil && !b.ackFired {
		b.ackTimer.Stop()
		b.ackFired = true
		b.progTimer = b.clock.AfterFunc(progressInterval, b.fireProgress)
	}
	b.track(ev.Message)
	b.mu.Unlock()
	if ev.Message != "" {
		b.sendStatus(ev.Message)
	}
}

func (b *chainBuilder) onResult() {
	b.mu.Lock()
	if b.ackTimer != nil && !b.ackFired {
		b.ackTimer.Stop()
	}
	if b.lastTextBlock != "" {
		b.lastTurnResponse = b.lastTextBlock
	}
	b.lastTextBlock = ""
	b.inTextBlock = false
	b.currentTextBlock.Reset()
	b.mu.Unlock()
}

// finish emits exactly one final response and tears the builder down.
func (b *chainBuilder) finish(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	// Flush an in-progress text block.
	if b.inTextBlock {
		if t := b.currentTextBlock.String(); t != "" {
			b.lastTextBlock = t
			b.allText = append(b.allText, t)
		}
		b.inTextBlock = false
	}
	if b.ackTimer != nil {
		b.ackTimer.Stop()
	}
	if b.progTimer != nil {
		b.progTimer.Stop()
	}
	if b.subTimer != nil {
		b.subTimer.Stop()
	}

	final := b.lastTextBlock
	if final == "" {
		final = b.lastTurnResponse
	}
	if final == "" {
		final = strings.Join(b.allText, "\n\n")
	}
	alreadySent := b.finalSent
	b.finalSent = true
	b.mu.Unlock()

	if b.unsub != nil {
		b.unsub()
	}
	if alreadySent || final == "" {
		if final == "" {
			b.log.Debug("subscribe: nothing to send", "session", b.sessionID, "reason", reason)
		}
		return
	}
	if err := b.responder.SendFinal(context.Background(), b.participant, final); err != nil {
		b.log.Error("subscribe: final send failed", "session", b.sessionID,
			"participant", b.participant, "error", err)
	}
}

func (b *chainBuilder) sendStatus(text string) {
	if text == "" {
		return
	}
	if err := b.responder.SendStatus(context.Background(), b.participant, text); err != nil {
		b.log.Warn("subscribe: status send failed", "session", b.sessionID, "error", err)
	}
}

// track appends to the bounded progress history. Caller holds b.mu.
func (b *chainBuilder) track(action string) {
	if action == "" {
		return
	}
	b.history = append(b.history, action)
	if len(b.history) > historyMax {
		b.history = b.history[len(b.history)-historyMax:]
	}
}

// touch re-arms the subscription-side inactivity timer.
func (b *chainBuilder) touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.subTimer == nil {
		b.subTimer = b.clock.AfterFunc(subscriptionTimeout, func() {
			b.finish("subscription timeout")
		})
		return
	}
	b.subTimer.Reset(subscriptionTimeout)
}

// preview trims to the status byte budget without splitting a rune.
func preview(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= statusPreviewMax {
		return text
	}
	cut := statusPreviewMax
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
