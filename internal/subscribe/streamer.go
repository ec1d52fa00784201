package subscribe

import (
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// SendFn pushes one typed payload to the connected client. The function
// is mutable so a reconnecting WebSocket can be swapped in.
type SendFn func(eventType string, payload map[string]any)

// wsStreamer adapts one session's stream for a local WebSocket client.
type wsStreamer struct {
	sessionID string
	unsub     func()

	mu       sync.Mutex
	send     SendFn
	thinking bool
	turnText strings.Builder
	closed   bool
}

func (w *wsStreamer) setSend(fn SendFn) {
	w.mu.Lock()
	w.send = fn
	w.mu.Unlock()
}

func (w *wsStreamer) emit(eventType string, payload map[string]any) {
	w.mu.Lock()
	fn := w.send
	w.mu.Unlock()
	if fn != nil {
		fn(eventType, payload)
	}
}

func (w *wsStreamer) setThinking(on bool) {
	w.mu.Lock()
	if w.thinking == on || w.closed {
		w.mu.Unlock()
		return
	}
	w.thinking = on
	w.mu.Unlock()
	w.emit(protocol.EventThinking, map[string]any{"thinking": on})
}

func (w *wsStreamer) handle(_ string, ev procman.Event) {
	switch ev.Type {
	case procman.EventAssistant:
		w.setThinking(true)
	case procman.EventContentBlockDelta:
		w.mu.Lock()
		w.turnText.WriteString(ev.Text)
		w.mu.Unlock()
		w.emit(protocol.EventStream, map[string]any{"chunk": ev.Text, "done": false})
	case procman.EventToolUse:
		w.emit(protocol.EventToolUse, map[string]any{
			"name":  ev.ToolName,
			"input": string(ev.ToolInput),
		})
	case procman.EventResult:
		w.mu.Lock()
		text := w.turnText.String()
		w.turnText.Reset()
		w.mu.Unlock()
		w.setThinking(false)
		w.emit(protocol.EventStream, map[string]any{"chunk": "", "done": true})
		if text == "" {
			text = ev.Result
		}
		if text != "" {
			w.emit(protocol.EventAgentMessage, map[string]any{"content": text})
		}
	case procman.EventSessionExited:
		w.finish(ev.ExitCode)
	}
}

func (w *wsStreamer) finish(exitCode int) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	text := w.turnText.String()
	w.turnText.Reset()
	w.mu.Unlock()

	w.setThinkingClosed()
	if text != "" {
		w.emit(protocol.EventAgentMessage, map[string]any{"content": text})
	}
	w.emit(protocol.EventSessionExit, map[string]any{"exit_code": exitCode})
	if w.unsub != nil {
		w.unsub()
	}
}

// setThinkingClosed clears the thinking flag after close without the
// closed-guard in setThinking.
func (w *wsStreamer) setThinkingClosed() {
	w.mu.Lock()
	was := w.thinking
	w.thinking = false
	w.mu.Unlock()
	if was {
		w.emit(protocol.EventThinking, map[string]any{"thinking": false})
	}
}
