package algochat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/config"
	"github.com/nextlevelbuilder/clawfleet/internal/dedup"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/internal/subscribe"
)

// IncomingMessage is one decrypted transport message handed to the
// bridge by the sync layer.
type IncomingMessage struct {
	TxID        string
	Sender      string
	Direction   string // "sent" | "received"
	Content     string
	Round       uint64
	AmountMicro int64
}

// SendReceipt reports a confirmed chain submission.
type SendReceipt struct {
	TxID     string
	GroupID  string
	FeeMicro int64
	Round    uint64
}

// ChainSender submits encrypted notes to the chain. Key resolution,
// envelope encryption, and signing live behind it.
type ChainSender interface {
	// Address is the main chat account.
	Address() string
	// MinFeeMicro is the transport minimum payment per transaction.
	MinFeeMicro() int64
	Send(ctx context.Context, from, to, plaintext string, amountMicro int64) (SendReceipt, error)
	// SendGroup submits one payment transaction per chunk as a single
	// atomic group; the first carries amountMicro, the rest the minimum.
	SendGroup(ctx context.Context, from, to string, chunks []string, amountMicro int64) (SendReceipt, error)
}

// PSKManager owns the live pre-shared-key channels.
type PSKManager interface {
	IsContact(participant string) bool
	SendChunk(ctx context.Context, participant, text string) error
	// StartForContact binds a contact's ratchet to a discovered address.
	StartForContact(contact *store.PSKContact, address string)
	StopForAddress(address string)
	// TrialDecrypt attempts to open a note with the contact's key.
	TrialDecrypt(contact *store.PSKContact, note string) (plaintext string, ok bool)
}

// IndexedPayment is one indexer result row for discovery.
type IndexedPayment struct {
	TxID        string
	Sender      string
	Note        string
	Round       uint64
	AmountMicro int64
}

// Indexer answers "payments to my address since round N" queries.
type Indexer interface {
	CurrentRound(ctx context.Context) (uint64, error)
	PaymentsTo(ctx context.Context, address string, minRound uint64) ([]IndexedPayment, error)
}

// FastPoller lets the bridge force the external sync manager onto a 5 s
// cadence while approvals are outstanding.
type FastPoller interface {
	SetFastPoll(on bool)
}

// ProcessManager is the process-manager surface the bridge drives.
type ProcessManager interface {
	CanStartSession(ctx context.Context, address string) (bool, error)
	StartProcess(ctx context.Context, sess *store.Session, initialPrompt string, opts procman.StartOptions) error
	ResumeProcess(ctx context.Context, sess *store.Session, nextPrompt string, opts procman.StartOptions) error
	SendMessage(ctx context.Context, sessionID, text string) bool
	StopProcess(ctx context.Context, sessionID string)
	IsRunning(sessionID string) bool
	ActiveSessionIDs() []string
}

// ApprovalRegistry resolves pending tool approvals from the chain.
type ApprovalRegistry interface {
	Mode() string
	SetMode(mode string) error
	Pending() []*procman.PendingApproval
	HasPending() bool
	ResolveByShortID(shortID, decision, senderAddress string) error
	ResolveByQueueID(queueID int, decision, senderAddress string) error
}

// Subscriptions attaches the on-chain response builder to a session.
type Subscriptions interface {
	SubscribeChain(sessionID, participant string, responder subscribe.ChainResponder)
	HasChain(sessionID string) bool
}

// CouncilLauncher starts a council deliberation for /council.
type CouncilLauncher interface {
	Launch(ctx context.Context, councilID, projectID, prompt string) (*store.CouncilLaunch, error)
}

// Options configures the bridge.
type Options struct {
	Network          string
	OwnerAddress     string
	Allowlist        *config.Allowlist
	DailyBudgetMicro int64
	DefaultAgentID   string
	Credits          procman.CreditConfig
	SyncInterval     time.Duration
	WorkTaskMaxPerDay int
	// IsRemoteAgent marks senders whose traffic belongs to the
	// agent-to-agent channel, not this bridge. Nil means none.
	IsRemoteAgent func(address string) bool
}

const (
	txidNamespace      = "algochat-txid"
	txidDedupMax       = 500
	walletCacheTTL     = 60 * time.Second
	groupBucketTTL     = 5 * time.Minute
	pskChunkDelay      = 4500 * time.Millisecond
	councilSynthesisMax = 3000
)

type groupKey struct {
	sender string
	round  uint64
}

type groupBucket struct {
	total   int
	chunks  map[int]string
	created time.Time
	round   uint64
	amount  int64
}

// Bridge adapts the chain transport into the session system.
type Bridge struct {
	store     store.Store
	procs     ProcessManager
	approvals ApprovalRegistry
	subs      Subscriptions
	council   CouncilLauncher
	dedup     *dedup.Service
	bus       bus.Publisher
	sender    ChainSender
	psk       PSKManager
	indexer   Indexer
	fastPoll  FastPoller
	opts      Options
	log       *slog.Logger

	mu             sync.Mutex
	defaultAgentID string
	groups         map[groupKey]*groupBucket
	devices        map[string]string // participant -> last device name
	walletCache    map[string]bool
	walletCacheAt  time.Time
	discoveryCur   uint64

	// sleep is swapped in tests to avoid real PSK pacing delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(st store.Store, procs ProcessManager, approvals ApprovalRegistry, subs Subscriptions,
	council CouncilLauncher, dd *dedup.Service, pub bus.Publisher,
	sender ChainSender, psk PSKManager, indexer Indexer, fastPoll FastPoller,
	opts Options, log *slog.Logger) *Bridge {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	// Transaction-id replay suppression shares the dedup service with the
	// other ingress paths. Bounded at 500 ids, generous TTL.
	dd.Register(txidNamespace, dedup.Options{MaxSize: txidDedupMax, TTL: 24 * time.Hour, Persist: true})
	return &Bridge{
		store:          st,
		procs:          procs,
		approvals:      approvals,
		subs:           subs,
		council:        council,
		dedup:          dd,
		bus:            pub,
		sender:         sender,
		psk:            psk,
		indexer:        indexer,
		fastPoll:       fastPoll,
		opts:           opts,
		log:            log,
		defaultAgentID: opts.DefaultAgentID,
		groups:         make(map[groupKey]*groupBucket),
		devices:        make(map[string]string),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnApprovalChange is wired to the process manager's approval hook; it
// raises fast polling while any approval is outstanding.
func (b *Bridge) OnApprovalChange(outstanding bool) {
	if b.fastPoll != nil {
		b.fastPoll.SetFastPoll(outstanding)
	}
}

// isOwner reports whether the address may use privileged commands.
func (b *Bridge) isOwner(address string) bool {
	if address == "" {
		return false
	}
	if address == b.opts.OwnerAddress {
		return true
	}
	return b.opts.Allowlist != nil && b.opts.Allowlist.Contains(address)
}

// authorized gates ingress: PSK contacts are authorised by key
// possession, everyone else must be on the owner allowlist.
func (b *Bridge) authorized(address string) bool {
	if b.psk != nil && b.psk.IsContact(address) {
		return true
	}
	return b.isOwner(address)
}

func (b *Bridge) setDefaultAgent(id string) {
	b.mu.Lock()
	b.defaultAgentID = id
	b.mu.Unlock()
}

func (b *Bridge) getDefaultAgent() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defaultAgentID
}
