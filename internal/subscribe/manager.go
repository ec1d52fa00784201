package subscribe

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawfleet/internal/procman"
)

// ProcessSource is the subset of the process manager the subscription
// manager uses.
type ProcessSource interface {
	Subscribe(sessionID string, fn procman.SubscriberFn) string
	Unsubscribe(sessionID, token string)
}

// Manager registers at most one consumer of each flavour per session.
type Manager struct {
	procs ProcessSource
	clock Clock
	log   *slog.Logger

	mu        sync.Mutex
	builders  map[string]*chainBuilder
	streamers map[string]*wsStreamer
}

// NewManager wires the subscription layer over the process manager.
// clock may be nil for the real clock.
func NewManager(procs ProcessSource, clock Clock, log *slog.Logger) *Manager {
	if clock == nil {
		clock = RealClock
	}
	return &Manager{
		procs:     procs,
		clock:     clock,
		log:       log,
		builders:  make(map[string]*chainBuilder),
		streamers: make(map[string]*wsStreamer),
	}
}

// SubscribeChain attaches the on-chain response builder for
// (sessionID, participant). A second registration for the same session is
// a no-op.
func (m *Manager) SubscribeChain(sessionID, participant string, responder ChainResponder) {
	m.mu.Lock()
	if _, ok := m.builders[sessionID]; ok {
		m.mu.Unlock()
		return
	}
	b := &chainBuilder{
		sessionID:   sessionID,
		participant: participant,
		responder:   responder,
		clock:       m.clock,
		log:         m.log,
	}
	m.builders[sessionID] = b
	m.mu.Unlock()

	token := m.procs.Subscribe(sessionID, b.handle)
	b.unsub = func() {
		m.procs.Unsubscribe(sessionID, token)
		m.mu.Lock()
		if m.builders[sessionID] == b {
			delete(m.builders, sessionID)
		}
		m.mu.Unlock()
	}
	b.touch()
}

// SubscribeWS attaches the local WebSocket streamer. A second
// registration replaces the send function only.
func (m *Manager) SubscribeWS(sessionID string, send SendFn) {
	m.mu.Lock()
	if w, ok := m.streamers[sessionID]; ok {
		m.mu.Unlock()
		w.setSend(send)
		return
	}
	w := &wsStreamer{sessionID: sessionID, send: send}
	m.streamers[sessionID] = w
	m.mu.Unlock()

	token := m.procs.Subscribe(sessionID, w.handle)
	w.unsub = func() {
		m.procs.Unsubscribe(sessionID, token)
		m.mu.Lock()
		if m.streamers[sessionID] == w {
			delete(m.streamers, sessionID)
		}
		m.mu.Unlock()
	}
}

// HasChain reports whether a chain builder is attached for the session.
func (m *Manager) HasChain(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.builders[sessionID]
	return ok
}
