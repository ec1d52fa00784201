package procman

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Approval modes. In normal mode requests are forwarded and resolved by
// short id; queued mode additionally holds them in a FIFO the owner works
// through by number; paused mode denies everything immediately.
const (
	ModeNormal = "normal"
	ModeQueued = "queued"
	ModePaused = "paused"
)

// Decision values for resolving an approval.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PendingApproval is one intercepted approval_request waiting for an
// owner decision.
type PendingApproval struct {
	ShortID   string
	QueueID   int // small integer for queued-mode enumeration
	SessionID string
	RequestID string
	ToolName  string
	// SenderAddress is the ingress address the request was surfaced to;
	// resolutions must come from the same address (empty = local only).
	SenderAddress string
	Created       time.Time

	timer *time.Timer
}

type approvalResolution struct {
	shortID  string
	decision string
}

// approvalRegistry holds pending approvals. Guarded by its own mutex so
// resolutions from any ingress never contend with the stream readers.
type approvalRegistry struct {
	mu      sync.Mutex
	mode    string
	pending map[string]*PendingApproval // short id → approval
	nextSeq int

	resolve func(sessionID, requestID, decision string)
}

func newApprovalRegistry(resolve func(sessionID, requestID, decision string)) *approvalRegistry {
	return &approvalRegistry{
		mode:    ModeNormal,
		pending: make(map[string]*PendingApproval),
		nextSeq: 1,
		resolve: resolve,
	}
}

// Mode returns the current approval mode.
func (r *approvalRegistry) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode switches mode. Switching to paused denies everything pending.
func (r *approvalRegistry) SetMode(mode string) error {
	switch mode {
	case ModeNormal, ModeQueued, ModePaused:
	default:
		return fmt.Errorf("unknown approval mode %q", mode)
	}
	r.mu.Lock()
	r.mode = mode
	var toDeny []*PendingApproval
	if mode == ModePaused {
		for _, p := range r.pending {
			toDeny = append(toDeny, p)
		}
		r.pending = make(map[string]*PendingApproval)
	}
	r.mu.Unlock()

	for _, p := range toDeny {
		p.timer.Stop()
		r.resolve(p.SessionID, p.RequestID, DecisionDeny)
	}
	return nil
}

// Add registers a pending approval and arms its per-request timeout
// (deny on expiry). Returns the stored record, or nil when the mode is
// paused (the request was denied inline).
func (r *approvalRegistry) Add(sessionID, requestID, toolName, senderAddress string, timeout time.Duration) *PendingApproval {
	r.mu.Lock()
	if r.mode == ModePaused {
		r.mu.Unlock()
		r.resolve(sessionID, requestID, DecisionDeny)
		return nil
	}
	p := &PendingApproval{
		ShortID:       newShortID(),
		QueueID:       r.nextSeq,
		SessionID:     sessionID,
		RequestID:     requestID,
		ToolName:      toolName,
		SenderAddress: senderAddress,
		Created:       time.Now(),
	}
	r.nextSeq++
	r.pending[p.ShortID] = p
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	p.timer = time.AfterFunc(timeout, func() {
		if r.remove(p.ShortID) != nil {
			r.resolve(p.SessionID, p.RequestID, DecisionDeny)
		}
	})
	r.mu.Unlock()
	return p
}

// ResolveByShortID applies a decision to a pending approval. When the
// approval was registered with a sender address, senderAddress must match.
func (r *approvalRegistry) ResolveByShortID(shortID, decision, senderAddress string) error {
	if decision != DecisionAllow && decision != DecisionDeny {
		return fmt.Errorf("unknown decision %q", decision)
	}
	r.mu.Lock()
	p, ok := r.pending[shortID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no pending approval %s", shortID)
	}
	if p.SenderAddress != "" && p.SenderAddress != senderAddress {
		r.mu.Unlock()
		return fmt.Errorf("approval %s: sender mismatch", shortID)
	}
	delete(r.pending, shortID)
	r.mu.Unlock()

	p.timer.Stop()
	r.resolve(p.SessionID, p.RequestID, decision)
	return nil
}

// ResolveByQueueID resolves by the queued-mode small integer id.
func (r *approvalRegistry) ResolveByQueueID(queueID int, decision, senderAddress string) error {
	r.mu.Lock()
	var shortID string
	for id, p := range r.pending {
		if p.QueueID == queueID {
			shortID = id
			break
		}
	}
	r.mu.Unlock()
	if shortID == "" {
		return fmt.Errorf("no pending approval #%d", queueID)
	}
	return r.ResolveByShortID(shortID, decision, senderAddress)
}

// Pending lists pending approvals in queue order.
func (r *approvalRegistry) Pending() []*PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingApproval, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out
}

// HasPending reports whether any approval is outstanding.
func (r *approvalRegistry) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// dropSession discards pending approvals for one session without resolving
// (the child is gone).
func (r *approvalRegistry) dropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.SessionID == sessionID {
			p.timer.Stop()
			delete(r.pending, id)
		}
	}
}

func (r *approvalRegistry) remove(shortID string) *PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[shortID]
	delete(r.pending, shortID)
	return p
}

func newShortID() string {
	var b [3]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
