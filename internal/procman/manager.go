// Package procman owns the set of agent sub-processes: spawn, stdin
// writes, NDJSON stdout decode, per-session fan-out, inactivity timeouts,
// approval interception, and credit accounting.
package procman

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// ManagerStore is the persistence surface the manager needs.
type ManagerStore interface {
	UpdateSessionStatus(ctx context.Context, id, status string, pid *int) error
	AddSessionUsage(ctx context.Context, id string, costUSD float64, turns int, credits int64) error
	AddMessage(ctx context.Context, m *store.SessionMessage) error
	GetCreditBalance(ctx context.Context, address string) (int64, error)
	AddCredits(ctx context.Context, address string, delta int64, reason string) error
}

// CreditConfig prices sub-process turns for non-owner callers.
type CreditConfig struct {
	Enabled        bool
	CreditsPerTurn float64
	CreditsPerAlgo float64
	WelcomeCredits int64
}

// Options configures the manager.
type Options struct {
	// Command is the agent sub-process argv prefix, e.g. ["claude",
	// "--output-format", "stream-json"].
	Command []string
	// DefaultTimeout is the per-session inactivity timeout.
	DefaultTimeout time.Duration
	// ShutdownGrace bounds the TERM→KILL window on Shutdown.
	ShutdownGrace time.Duration
	Credits       CreditConfig
}

// StartOptions tunes one process launch.
type StartOptions struct {
	// OriginAddress is the external address that requested the session;
	// empty means local (owner) origin.
	OriginAddress string
	// Timeout overrides Options.DefaultTimeout when > 0.
	Timeout time.Duration
	// SchedulerMode restricts the child's tool palette to read-only and
	// code tools; financial and messaging tools are withheld.
	SchedulerMode bool
}

// SubscriberFn observes the event stream of one session (or all sessions).
type SubscriberFn func(sessionID string, ev Event)

type proc struct {
	sessionID  string
	originAddr string

	mu      sync.Mutex
	stdinMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	gen     int
	timer   *time.Timer
	timeout time.Duration
	exited  bool // session_exited already emitted
	done    chan struct{}
}

// Manager supervises agent sub-processes. Construct with New.
type Manager struct {
	opts Options
	db   ManagerStore
	log  *slog.Logger

	mu      sync.Mutex
	procs   map[string]*proc
	subs    map[string]map[string]SubscriberFn // session id → token → fn
	allSubs map[string]SubscriberFn            // token → fn

	ownerCheck func(address string) bool

	approvals *approvalRegistry
	// onApprovalChange fires when the pending set gains or loses entries
	// (the bridge uses it to drive fast-polling).
	onApprovalChange func(outstanding bool)

	// execCommand is swappable for tests.
	execCommand func(ctx context.Context, workDir string, argv []string) *exec.Cmd
}

// New returns a Manager. db may be nil in tests that exercise only the
// in-memory paths.
func New(opts Options, db ManagerStore, log *slog.Logger) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	m := &Manager{
		opts:    opts,
		db:      db,
		log:     log,
		procs:   make(map[string]*proc),
		subs:    make(map[string]map[string]SubscriberFn),
		allSubs: make(map[string]SubscriberFn),
		execCommand: func(ctx context.Context, workDir string, argv []string) *exec.Cmd {
			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Dir = workDir
			return cmd
		},
	}
	m.approvals = newApprovalRegistry(m.writeApprovalResponse)
	return m
}

// SetOwnerCheck injects the owner predicate. Owner addresses skip credit
// effects and privileged-command gating.
func (m *Manager) SetOwnerCheck(fn func(address string) bool) {
	m.mu.Lock()
	m.ownerCheck = fn
	m.mu.Unlock()
}

// SetApprovalChangeHook registers the outstanding-approvals observer.
func (m *Manager) SetApprovalChangeHook(fn func(outstanding bool)) {
	m.mu.Lock()
	m.onApprovalChange = fn
	m.mu.Unlock()
}

// Approvals exposes the approval registry (mode, queue, resolution).
func (m *Manager) Approvals() *approvalRegistry { return m.approvals }

func (m *Manager) isOwner(address string) bool {
	m.mu.Lock()
	fn := m.ownerCheck
	m.mu.Unlock()
	if address == "" {
		return true // local origin
	}
	return fn != nil && fn(address)
}

// CanStartSession is the pre-flight credit check for non-owner callers.
func (m *Manager) CanStartSession(ctx context.Context, address string) (bool, error) {
	if !m.opts.Credits.Enabled || m.isOwner(address) {
		return true, nil
	}
	bal, err := m.db.GetCreditBalance(ctx, address)
	if err != nil {
		return false, err
	}
	return bal >= int64(math.Ceil(m.opts.Credits.CreditsPerTurn)), nil
}

// StartProcess launches a child for the session. A second start for the
// same id is rejected.
func (m *Manager) StartProcess(ctx context.Context, sess *store.Session, initialPrompt string, opts StartOptions) error {
	return m.spawn(ctx, sess, initialPrompt, false, opts)
}

// ResumeProcess restarts a child for a previously stopped session; context
// replay is the sub-process's concern.
func (m *Manager) ResumeProcess(ctx context.Context, sess *store.Session, nextPrompt string, opts StartOptions) error {
	return m.spawn(ctx, sess, nextPrompt, true, opts)
}

func (m *Manager) spawn(ctx context.Context, sess *store.Session, prompt string, resume bool, opts StartOptions) error {
	ctx, span := tracer.Start(ctx, "session.spawn", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Bool("session.resume", resume)))
	defer span.End()

	m.mu.Lock()
	if _, running := m.procs[sess.ID]; running {
		m.mu.Unlock()
		return fmt.Errorf("session %s already has a running process", sess.ID)
	}
	timeout := m.opts.DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	p := &proc{
		sessionID:  sess.ID,
		originAddr: opts.OriginAddress,
		timeout:    timeout,
		done:       make(chan struct{}),
	}
	m.procs[sess.ID] = p
	m.mu.Unlock()

	argv := append([]string{}, m.opts.Command...)
	argv = append(argv, "--session-id", sess.ID)
	if resume {
		argv = append(argv, "--resume")
	}
	if opts.SchedulerMode {
		argv = append(argv, "--restricted-tools")
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := m.execCommand(cmdCtx, sess.WorkDir, argv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		m.removeProc(sess.ID, p)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.removeProc(sess.ID, p)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		m.removeProc(sess.ID, p)
		if m.db != nil {
			m.db.UpdateSessionStatus(ctx, sess.ID, store.SessionError, nil)
		}
		return fmt.Errorf("start agent process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(timeout, func() { m.onTimeout(p) })
	p.mu.Unlock()

	pid := cmd.Process.Pid
	if m.db != nil {
		if err := m.db.UpdateSessionStatus(ctx, sess.ID, store.SessionRunning, &pid); err != nil {
			m.log.Warn("procman: status update failed", "session", sess.ID, "error", err)
		}
	}
	m.log.Info("procman: started", "session", sess.ID, "pid", pid, "resume", resume)

	go m.readLoop(p, stdout, gen)

	if prompt != "" {
		if !m.writeUserMessage(p, prompt) {
			m.log.Warn("procman: initial prompt write failed", "session", sess.ID)
		} else if m.db != nil {
			m.db.AddMessage(ctx, &store.SessionMessage{
				SessionID: sess.ID, Role: "user", Content: prompt,
			})
		}
	}
	return nil
}

func (m *Manager) removeProc(sessionID string, p *proc) {
	m.mu.Lock()
	if m.procs[sessionID] == p {
		delete(m.procs, sessionID)
	}
	m.mu.Unlock()
}

// SendMessage writes text to the child's stdin iff it is running.
func (m *Manager) SendMessage(ctx context.Context, sessionID, text string) bool {
	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID)))
	defer span.End()

	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	if p == nil {
		return false
	}
	if !m.writeUserMessage(p, text) {
		return false
	}
	if m.db != nil {
		m.db.AddMessage(ctx, &store.SessionMessage{
			SessionID: sessionID, Role: "user", Content: text,
		})
	}
	return true
}

func (m *Manager) writeUserMessage(p *proc, text string) bool {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	}
	return m.writeStdin(p, msg)
}

func (m *Manager) writeStdin(p *proc, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return false
	}
	_, err = stdin.Write(append(data, '\n'))
	return err == nil
}

// writeApprovalResponse delivers a decision to the waiting child.
func (m *Manager) writeApprovalResponse(sessionID, requestID, decision string) {
	m.mu.Lock()
	p := m.procs[sessionID]
	hook := m.onApprovalChange
	m.mu.Unlock()
	if p != nil {
		m.writeStdin(p, map[string]any{
			"type":       "approval_response",
			"request_id": requestID,
			"decision":   decision,
		})
	}
	if hook != nil {
		hook(m.approvals.HasPending())
	}
}

// StopProcess cancels the child; subscribers observe session_exited.
func (m *Manager) StopProcess(ctx context.Context, sessionID string) {
	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-p.done:
	case <-time.After(m.opts.ShutdownGrace):
	case <-ctx.Done():
	}
}

// IsRunning reports whether a child is live for the session.
func (m *Manager) IsRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[sessionID]
	return ok
}

// ActiveSessionIDs returns the ids of sessions with a live child.
func (m *Manager) ActiveSessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	return ids
}

// ExtendTimeout adds to the inactivity deadline; only succeeds while the
// session is running.
func (m *Manager) ExtendTimeout(sessionID string, additional time.Duration) bool {
	m.mu.Lock()
	p := m.procs[sessionID]
	m.mu.Unlock()
	if p == nil || additional <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer == nil {
		return false
	}
	p.timeout += additional
	p.timer.Reset(p.timeout)
	return true
}

// Subscribe registers a per-session observer; the returned token
// unsubscribes. Callbacks may unsubscribe from within themselves.
func (m *Manager) Subscribe(sessionID string, fn SubscriberFn) string {
	token := uuid.NewString()
	m.mu.Lock()
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[string]SubscriberFn)
	}
	m.subs[sessionID][token] = fn
	m.mu.Unlock()
	return token
}

// Unsubscribe removes a per-session observer. Safe if already removed.
func (m *Manager) Unsubscribe(sessionID, token string) {
	m.mu.Lock()
	if subs := m.subs[sessionID]; subs != nil {
		delete(subs, token)
		if len(subs) == 0 {
			delete(m.subs, sessionID)
		}
	}
	m.mu.Unlock()
}

// SubscribeAll registers an observer across every session.
func (m *Manager) SubscribeAll(fn SubscriberFn) string {
	token := uuid.NewString()
	m.mu.Lock()
	m.allSubs[token] = fn
	m.mu.Unlock()
	return token
}

// UnsubscribeAll removes an all-sessions observer.
func (m *Manager) UnsubscribeAll(token string) {
	m.mu.Lock()
	delete(m.allSubs, token)
	m.mu.Unlock()
}

// emit fans one event out. Handlers are snapshotted under the lock and
// invoked outside it so a callback can unsubscribe without deadlocking.
func (m *Manager) emit(sessionID string, ev Event) {
	m.mu.Lock()
	fns := make([]SubscriberFn, 0, len(m.subs[sessionID])+len(m.allSubs))
	for _, fn := range m.subs[sessionID] {
		fns = append(fns, fn)
	}
	for _, fn := range m.allSubs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(sessionID, ev)
	}
}

func (m *Manager) readLoop(p *proc, stdout io.Reader, gen int) {
	sawEvent := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			m.log.Debug("procman: bad event line", "session", p.sessionID, "error", err)
			continue
		}
		sawEvent = true

		if isActivity(ev.Type) {
			p.mu.Lock()
			if p.timer != nil {
				p.timer.Reset(p.timeout)
			}
			p.mu.Unlock()
		}

		switch ev.Type {
		case EventApprovalRequest:
			timeout := time.Duration(ev.TimeoutMs) * time.Millisecond
			pending := m.approvals.Add(p.sessionID, ev.RequestID, ev.ToolName, p.originAddr, timeout)
			if pending == nil {
				continue // paused mode denied it inline
			}
			m.mu.Lock()
			hook := m.onApprovalChange
			m.mu.Unlock()
			if hook != nil {
				hook(true)
			}
			// Forward with the short id attached so ingress adapters can
			// correlate the owner's answer.
			ev.Request = mustAppendShortID(ev.Request, pending.ShortID)
		case EventResult:
			m.recordTurn(p, ev)
		case EventSessionExited:
			p.mu.Lock()
			p.exited = true
			p.mu.Unlock()
		}

		m.emit(p.sessionID, ev)
	}

	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	var exitCode int
	if cmd != nil {
		if err := cmd.Wait(); err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				exitCode = -1
			}
		}
	}

	p.mu.Lock()
	stale := p.gen != gen
	alreadyExited := p.exited
	if !stale && p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	if stale {
		return
	}

	m.removeProc(p.sessionID, p)
	m.approvals.dropSession(p.sessionID)
	close(p.done)

	status := store.SessionStopped
	if exitCode != 0 || !sawEvent {
		status = store.SessionError
	}
	if m.db != nil {
		m.db.UpdateSessionStatus(context.Background(), p.sessionID, status, nil)
	}
	if !alreadyExited {
		m.emit(p.sessionID, Event{Type: EventSessionExited, SessionID: p.sessionID, ExitCode: exitCode})
	}
	m.log.Info("procman: exited", "session", p.sessionID, "exit_code", exitCode, "status", status)
}

// recordTurn accumulates cost/turns and charges credits for non-owner
// origins.
func (m *Manager) recordTurn(p *proc, ev Event) {
	if m.db == nil {
		return
	}
	ctx := context.Background()
	var charge int64
	if m.opts.Credits.Enabled && !m.isOwner(p.originAddr) {
		charge = int64(math.Ceil(m.opts.Credits.CreditsPerTurn))
	}
	if err := m.db.AddSessionUsage(ctx, p.sessionID, ev.CostUSD, 1, charge); err != nil {
		m.log.Warn("procman: usage update failed", "session", p.sessionID, "error", err)
	}
	if ev.Result != "" {
		m.db.AddMessage(ctx, &store.SessionMessage{
			SessionID: p.sessionID, Role: "assistant", Content: ev.Result, CostUSD: ev.CostUSD,
		})
	}
	if charge > 0 {
		if err := m.db.AddCredits(ctx, p.originAddr, -charge, "turn"); err != nil {
			m.log.Warn("procman: credit charge failed", "address", p.originAddr, "error", err)
		}
	}
}

func (m *Manager) onTimeout(p *proc) {
	m.log.Warn("procman: inactivity timeout", "session", p.sessionID)
	p.mu.Lock()
	p.exited = true
	cancel := p.cancel
	p.mu.Unlock()

	m.emit(p.sessionID, Event{Type: EventSessionExited, SessionID: p.sessionID, ExitCode: -1,
		Error: "inactivity timeout"})
	if m.db != nil {
		m.db.UpdateSessionStatus(context.Background(), p.sessionID, store.SessionError, nil)
	}
	if cancel != nil {
		cancel()
	}
}

// Shutdown TERMs all children, waits out the grace period, then KILLs
// stragglers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*proc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		cmd := p.cmd
		p.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.After(m.opts.ShutdownGrace)
	for _, p := range procs {
		select {
		case <-p.done:
		case <-deadline:
			p.mu.Lock()
			cancel := p.cancel
			p.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
	m.log.Info("procman: shutdown complete", "children", len(procs))
}

func mustAppendShortID(req json.RawMessage, shortID string) json.RawMessage {
	obj := map[string]any{}
	if len(req) > 0 {
		json.Unmarshal(req, &obj)
	}
	obj["short_id"] = shortID
	out, _ := json.Marshal(obj)
	return out
}
