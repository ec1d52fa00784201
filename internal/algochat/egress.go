package algochat

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/bus"
	"github.com/nextlevelbuilder/clawfleet/pkg/protocol"
)

// SendStatus delivers an intermediate status post to the participant.
// Part of the subscribe.ChainResponder contract.
func (b *Bridge) SendStatus(ctx context.Context, participant, text string) error {
	return b.sendResponse(ctx, participant, text, 0)
}

// SendFinal delivers the single final response for a turn.
func (b *Bridge) SendFinal(ctx context.Context, participant, text string) error {
	return b.sendResponse(ctx, participant, text, 0)
}

// reply is the command-handler shorthand; failures are logged, not
// propagated.
func (b *Bridge) reply(ctx context.Context, participant, text string) {
	if err := b.sendResponse(ctx, participant, text, 0); err != nil {
		b.log.Warn("algochat: reply failed", "participant", participant, "error", err)
	}
}

// sendResponse is the egress pipeline: budget pre-check, PSK chunked
// path, otherwise a group send with a truncated single-transaction
// fallback. Fees are recorded against the daily budget and the
// originating session.
func (b *Bridge) sendResponse(ctx context.Context, participant, text string, amountMicro int64) error {
	if text == "" {
		return nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	spent, err := b.store.AlgoSpentOn(ctx, day)
	if err != nil {
		b.log.Warn("algochat: budget read failed", "error", err)
	}
	if b.opts.DailyBudgetMicro > 0 && spent >= b.opts.DailyBudgetMicro {
		b.deadLetter(ctx, participant, text, "daily budget exceeded")
		return nil
	}

	if b.psk != nil && b.psk.IsContact(participant) {
		return b.sendPSK(ctx, participant, text)
	}

	from := b.senderWallet(ctx, participant)
	if amountMicro < b.sender.MinFeeMicro() {
		amountMicro = b.sender.MinFeeMicro()
	}

	receipt, err := b.sendGroupOrSingle(ctx, from, participant, text, amountMicro)
	if err != nil {
		b.log.Warn("algochat: group send failed, falling back", "participant", participant, "error", err)
		truncated := text
		if len(truncated) > fallbackLimit {
			truncated = TruncateBytes(truncated, fallbackLimit-3) + "..."
		}
		receipt, err = b.sender.Send(ctx, from, participant, truncated, amountMicro)
		if err != nil {
			b.deadLetter(ctx, participant, text, "send failed: "+err.Error())
			return err
		}
	}

	b.recordSpend(ctx, participant, receipt)
	b.bus.Broadcast(bus.Event{
		Topic: protocol.TopicAlgoChat,
		Type:  protocol.EventAlgoChatMessage,
		Payload: map[string]any{
			"direction": "sent", "participant": participant,
			"txid": receipt.TxID, "group": receipt.GroupID, "bytes": len(text),
		},
	})
	return nil
}

// sendGroupOrSingle splits to the group budget; exactly one chunk goes
// out as a standard transaction.
func (b *Bridge) sendGroupOrSingle(ctx context.Context, from, to, text string, amountMicro int64) (SendReceipt, error) {
	chunks := SplitMessage(text, MaxGroupChunk)
	if len(chunks) == 1 {
		return b.sender.Send(ctx, from, to, text, amountMicro)
	}
	return b.sender.SendGroup(ctx, from, to, TagChunks(chunks), amountMicro)
}

// sendPSK splits at the PSK budget and paces chunks >= 4.5 s apart so
// they settle in distinct rounds in natural order.
func (b *Bridge) sendPSK(ctx context.Context, participant, text string) error {
	chunks := SplitMessage(text, pskChunkMax)
	for i, chunk := range chunks {
		if i > 0 {
			if err := b.sleep(ctx, pskChunkDelay); err != nil {
				return err
			}
		}
		if err := b.psk.SendChunk(ctx, participant, chunk); err != nil {
			b.deadLetter(ctx, participant, text, "psk send failed: "+err.Error())
			return err
		}
	}
	return nil
}

// senderWallet picks the per-agent wallet when the participant's
// conversation is bound to an agent with one, else the main account.
func (b *Bridge) senderWallet(ctx context.Context, participant string) string {
	conv, err := b.store.GetConversation(ctx, participant)
	if err != nil || conv.AgentID == "" {
		return b.sender.Address()
	}
	agent, err := b.store.GetAgent(ctx, conv.AgentID)
	if err != nil || agent.WalletAddress == "" {
		return b.sender.Address()
	}
	return agent.WalletAddress
}

// recordSpend charges the fee to the daily ledger and, when the
// participant's conversation has a session, to that session.
func (b *Bridge) recordSpend(ctx context.Context, participant string, receipt SendReceipt) {
	if receipt.FeeMicro <= 0 {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := b.store.AddAlgoSpend(ctx, day, receipt.FeeMicro); err != nil {
		b.log.Warn("algochat: spend record failed", "error", err)
	}
	if conv, err := b.store.GetConversation(ctx, participant); err == nil && conv.SessionID != "" {
		if err := b.store.AddSessionAlgoSpend(ctx, conv.SessionID, receipt.FeeMicro); err != nil {
			b.log.Warn("algochat: session spend record failed", "session", conv.SessionID, "error", err)
		}
	}
}

// deadLetter logs an undeliverable response with full context and gives
// up; there is no retry.
func (b *Bridge) deadLetter(ctx context.Context, participant, text, reason string) {
	preview := text
	if len(preview) > 120 {
		preview = TruncateBytes(preview, 120) + "..."
	}
	sessionID := ""
	if conv, err := b.store.GetConversation(ctx, participant); err == nil {
		sessionID = conv.SessionID
	}
	b.log.Error("algochat: dead-letter", "participant", participant,
		"session", sessionID, "reason", reason, "preview", preview)
}
