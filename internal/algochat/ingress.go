package algochat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/internal/procman"
	"github.com/nextlevelbuilder/clawfleet/internal/store"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// HandleBatch runs the ingress pipeline over one decrypted batch from
// the sync layer: drop sent and own-agent traffic, dedup by txid,
// reassemble groups, then deliver each surviving message once.
func (b *Bridge) HandleBatch(ctx context.Context, msgs []IncomingMessage) {
	b.pruneGroups()
	for _, m := range msgs {
		if m.Direction == "sent" {
			continue
		}
		if b.isAgentWallet(ctx, m.Sender) {
			continue
		}
		if m.TxID != "" && b.dedup.IsDuplicate(txidNamespace, m.TxID) {
			continue
		}
		chunk, isGroup := ParseGroupPrefix(m.Content)
		if !isGroup {
			b.handleIncomingMessage(ctx, m.Sender, m.Content, m.Round, m.AmountMicro)
			continue
		}
		if body, round, amount, complete := b.collectChunk(m, chunk); complete {
			b.handleIncomingMessage(ctx, m.Sender, body, round, amount)
		}
	}
}

// collectChunk buffers one group chunk keyed by (sender, round) and
// returns the reassembled body once all indices 1..N are present.
func (b *Bridge) collectChunk(m IncomingMessage, chunk GroupChunk) (string, uint64, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey{sender: m.Sender, round: m.Round}
	bucket, ok := b.groups[key]
	if !ok {
		bucket = &groupBucket{
			total:   chunk.Total,
			chunks:  make(map[int]string),
			created: time.Now(),
			round:   m.Round,
		}
		b.groups[key] = bucket
	}
	if chunk.Total != bucket.total {
		b.log.Warn("algochat: group total mismatch", "sender", m.Sender,
			"round", m.Round, "have", bucket.total, "got", chunk.Total)
		return "", 0, 0, false
	}
	bucket.chunks[chunk.Index] = chunk.Body
	if m.AmountMicro > bucket.amount {
		bucket.amount = m.AmountMicro
	}
	body, complete := ReassembleGroup(bucket.chunks, bucket.total)
	if !complete {
		return "", 0, 0, false
	}
	delete(b.groups, key)
	return body, bucket.round, bucket.amount, true
}

// pruneGroups drops partial group buckets older than the 5-minute
// window.
func (b *Bridge) pruneGroups() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-groupBucketTTL)
	for key, bucket := range b.groups {
		if bucket.created.Before(cutoff) {
			b.log.Debug("algochat: dropping stale group", "sender", key.sender, "round", key.round)
			delete(b.groups, key)
		}
	}
}

// isAgentWallet reports whether the address belongs to a local agent.
// The wallet set is cached for 60 s.
func (b *Bridge) isAgentWallet(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}
	b.mu.Lock()
	stale := b.walletCache == nil || time.Since(b.walletCacheAt) > walletCacheTTL
	b.mu.Unlock()
	if stale {
		cache := make(map[string]bool)
		agents, err := b.store.ListAgents(ctx)
		if err != nil {
			b.log.Warn("algochat: wallet cache refresh failed", "error", err)
		} else {
			for _, a := range agents {
				if a.WalletAddress != "" {
					cache[a.WalletAddress] = true
				}
			}
		}
		b.mu.Lock()
		b.walletCache = cache
		b.walletCacheAt = time.Now()
		b.mu.Unlock()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.walletCache[address]
}

// deviceEnvelope is the multi-device wrapper some clients send.
type deviceEnvelope struct {
	M string `json:"m"`
	D string `json:"d"`
}

// handleIncomingMessage routes one fully reassembled message.
func (b *Bridge) handleIncomingMessage(ctx context.Context, participant, content string, round uint64, amountMicro int64) {
	if _, still := ParseGroupPrefix(content); still {
		b.log.Error("algochat: group prefix leaked past reassembly", "sender", participant, "round", round)
		return
	}

	device := ""
	if strings.HasPrefix(strings.TrimSpace(content), "{") {
		var env deviceEnvelope
		if err := json.Unmarshal([]byte(content), &env); err == nil && env.M != "" {
			content = env.M
			device = env.D
			b.mu.Lock()
			if device != "" {
				b.devices[participant] = device
			}
			b.mu.Unlock()
		}
	}

	if shortID, decision, ok := parseApprovalResponse(content); ok {
		if err := b.approvals.ResolveByShortID(shortID, decision, participant); err != nil {
			b.log.Warn("algochat: approval response rejected", "sender", participant,
				"short_id", shortID, "error", err)
			b.reply(ctx, participant, "Approval "+shortID+" could not be resolved: "+err.Error())
			return
		}
		b.OnApprovalChange(b.approvals.HasPending())
		b.reply(ctx, participant, "Approval "+shortID+": "+decision)
		return
	}

	if b.opts.IsRemoteAgent != nil && b.opts.IsRemoteAgent(participant) {
		return
	}

	if !b.authorized(participant) {
		b.log.Warn("security.unauthorized", "sender", participant, "round", round)
		return
	}

	b.applyPayment(ctx, participant, amountMicro)

	if strings.HasPrefix(content, "/") {
		if handled := b.dispatchCommand(ctx, participant, content); handled {
			return
		}
	}

	if !b.isOwner(participant) {
		allowed, err := b.procs.CanStartSession(ctx, participant)
		if err != nil {
			b.log.Error("algochat: credit check failed", "sender", participant, "error", err)
			return
		}
		if !allowed {
			b.reply(ctx, participant, "Insufficient credits. Send ALGO with your message to top up.")
			return
		}
	}

	b.routeToAgent(ctx, participant, content, device, round)
}

// applyPayment credits the excess over the transport minimum and grants
// first-time senders their welcome credits.
func (b *Bridge) applyPayment(ctx context.Context, participant string, amountMicro int64) {
	if !b.opts.Credits.Enabled || b.isOwner(participant) {
		return
	}
	if b.opts.Credits.WelcomeCredits > 0 {
		txns, err := b.store.ListCreditTransactions(ctx, participant, 1)
		if err == nil && len(txns) == 0 {
			if err := b.store.AddCredits(ctx, participant, b.opts.Credits.WelcomeCredits, "welcome"); err != nil {
				b.log.Warn("algochat: welcome grant failed", "sender", participant, "error", err)
			}
		}
	}
	excess := amountMicro - b.sender.MinFeeMicro()
	if excess <= 0 {
		return
	}
	credits := int64(math.Floor(float64(excess) / 1e6 * b.opts.Credits.CreditsPerAlgo))
	if credits <= 0 {
		return
	}
	if err := b.store.AddCredits(ctx, participant, credits, "payment"); err != nil {
		b.log.Warn("algochat: payment credit failed", "sender", participant, "error", err)
	}
}

// routeToAgent resolves the conversation, picks a target agent, and
// sends the message into a new or running session.
func (b *Bridge) routeToAgent(ctx context.Context, participant, content, device string, round uint64) {
	conv, err := b.store.GetConversation(ctx, participant)
	if err != nil {
		conv = &store.Conversation{
			ID:              uuid.NewString(),
			ParticipantAddr: participant,
			LastRound:       round,
		}
		if err := b.store.UpsertConversation(ctx, conv); err != nil {
			b.log.Error("algochat: conversation create failed", "sender", participant, "error", err)
			return
		}
	}

	agent, err := b.pickAgent(ctx, conv)
	if err != nil {
		b.log.Error("algochat: no agent available", "sender", participant, "error", err)
		b.reply(ctx, participant, "No agent is available to handle your message.")
		return
	}

	prompt := content
	if device != "" {
		prompt = "[From: " + device + "] " + content
	}

	if conv.SessionID != "" && b.procs.IsRunning(conv.SessionID) {
		b.subs.SubscribeChain(conv.SessionID, participant, b)
		if !b.procs.SendMessage(ctx, conv.SessionID, prompt) {
			b.log.Warn("algochat: send to running session failed", "session", conv.SessionID)
		}
	} else {
		sess := &store.Session{
			ID:            uuid.NewString(),
			AgentID:       agent.ID,
			Name:          "algochat " + shortAddr(participant),
			Status:        store.SessionCreated,
			Source:        store.SourceAlgoChat,
			InitialPrompt: prompt,
		}
		if agent.DefaultProjectID != "" {
			sess.ProjectID = agent.DefaultProjectID
			if p, err := b.store.GetProject(ctx, agent.DefaultProjectID); err == nil {
				sess.WorkDir = p.Path
			}
		}
		if err := b.store.CreateSession(ctx, sess); err != nil {
			b.log.Error("algochat: session create failed", "sender", participant, "error", err)
			return
		}
		b.subs.SubscribeChain(sess.ID, participant, b)
		if err := b.procs.StartProcess(ctx, sess, prompt, procman.StartOptions{OriginAddress: participant}); err != nil {
			b.log.Error("algochat: session start failed", "sender", participant, "error", err)
			return
		}
		if err := b.store.SetConversationSession(ctx, conv.ID, agent.ID, sess.ID); err != nil {
			b.log.Warn("algochat: conversation bind failed", "conversation", conv.ID, "error", err)
		}
	}

	if err := b.store.SetConversationRound(ctx, conv.ID, round); err != nil {
		b.log.Warn("algochat: round update failed", "conversation", conv.ID, "error", err)
	}
	b.bus.Broadcast(bus.Event{
		Topic: protocol.TopicAlgoChat,
		Type:  protocol.EventAlgoChatMessage,
		Payload: map[string]any{
			"direction": "received", "participant": participant,
			"round": round, "content": content,
		},
	})
}

// pickAgent: the conversation's agent, else the default agent, else the
// first auto-enrolled agent, else the first algochat-enabled agent.
func (b *Bridge) pickAgent(ctx context.Context, conv *store.Conversation) (*store.Agent, error) {
	if conv.AgentID != "" {
		if a, err := b.store.GetAgent(ctx, conv.AgentID); err == nil {
			return a, nil
		}
	}
	if id := b.getDefaultAgent(); id != "" {
		if a, err := b.store.GetAgent(ctx, id); err == nil {
			return a, nil
		}
	}
	agents, err := b.store.ListAlgoChatAgents(ctx)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no algochat-enabled agents")
	}
	return agents[0], nil
}

// parseApprovalResponse recognises "<approve|deny> <short-id>" and the
// reversed order, case-insensitive. Short ids are 6 hex characters.
func parseApprovalResponse(content string) (shortID, decision string, ok bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(content)))
	if len(fields) != 2 {
		return "", "", false
	}
	verdict := func(w string) string {
		switch w {
		case "approve", "allow", "yes":
			return procman.DecisionAllow
		case "deny", "reject", "no":
			return procman.DecisionDeny
		}
		return ""
	}
	if d := verdict(fields[0]); d != "" && isShortID(fields[1]) {
		return fields[1], d, true
	}
	if d := verdict(fields[1]); d != "" && isShortID(fields[0]) {
		return fields[0], d, true
	}
	return "", "", false
}

func isShortID(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func shortAddr(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:8]
}
