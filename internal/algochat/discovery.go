package algochat

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

// discoveryLookback is how far behind the current round the cursor
// starts on the first poll.
const discoveryLookback = 750

// RunDiscovery polls the indexer on the sync interval while unmatched
// PSK contacts exist, trial-decrypting payment notes from unknown
// senders to bind contacts to their mobile addresses.
func (b *Bridge) RunDiscovery(ctx context.Context) error {
	if b.indexer == nil || b.psk == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(b.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.discoverOnce(ctx)
		}
	}
}

// discoverOnce runs one discovery pass. Exported through RunDiscovery;
// split out so tests can drive it synchronously.
func (b *Bridge) discoverOnce(ctx context.Context) {
	unmatched, err := b.store.ListUnmatchedPSKContacts(ctx)
	if err != nil {
		b.log.Warn("algochat: discovery contact list failed", "error", err)
		return
	}
	if len(unmatched) == 0 {
		return
	}

	b.mu.Lock()
	cursor := b.discoveryCur
	b.mu.Unlock()
	if cursor == 0 {
		current, err := b.indexer.CurrentRound(ctx)
		if err != nil {
			b.log.Warn("algochat: discovery round lookup failed", "error", err)
			return
		}
		if current > discoveryLookback {
			cursor = current - discoveryLookback
		}
	}

	payments, err := b.indexer.PaymentsTo(ctx, b.sender.Address(), cursor)
	if err != nil {
		b.log.Warn("algochat: discovery query failed", "error", err)
		return
	}

	// Latest decrypted message per newly discovered sender; older
	// traffic is skipped to avoid replaying history.
	type hit struct {
		contact   *store.PSKContact
		plaintext string
		round     uint64
		amount    int64
	}
	latest := make(map[string]*hit)
	maxRound := cursor
	for _, p := range payments {
		if p.Round > maxRound {
			maxRound = p.Round
		}
		if p.Sender == "" || p.Note == "" || b.knownPSKAddress(ctx, p.Sender) {
			continue
		}
		for _, contact := range unmatched {
			plaintext, ok := b.psk.TrialDecrypt(contact, p.Note)
			if !ok {
				continue
			}
			if prev, seen := latest[p.Sender]; !seen || p.Round > prev.round {
				latest[p.Sender] = &hit{contact: contact, plaintext: plaintext, round: p.Round, amount: p.AmountMicro}
			}
			break
		}
	}

	for sender, h := range latest {
		b.bindDiscoveredContact(ctx, h.contact, sender)
		b.handleIncomingMessage(ctx, sender, h.plaintext, h.round, h.amount)
	}

	b.mu.Lock()
	if maxRound >= cursor {
		b.discoveryCur = maxRound + 1
	}
	b.mu.Unlock()
}

// bindDiscoveredContact records the sender as the contact's mobile
// address, displaces any prior claimant, migrates ratchet state from
// the placeholder key, and starts a sender-bound PSK channel.
func (b *Bridge) bindDiscoveredContact(ctx context.Context, contact *store.PSKContact, sender string) {
	b.log.Info("algochat: psk contact discovered", "contact", contact.ID,
		"nickname", contact.Nickname, "address", sender)

	if err := b.store.DeactivatePSKContactsByAddress(ctx, contact.Network, sender, contact.ID); err != nil {
		b.log.Warn("algochat: prior claimant cleanup failed", "address", sender, "error", err)
	}
	b.psk.StopForAddress(sender)

	if err := b.store.SetPSKContactAddress(ctx, contact.ID, sender); err != nil {
		b.log.Error("algochat: contact address record failed", "contact", contact.ID, "error", err)
		return
	}

	oldKey := contact.Network + ":" + contact.ID
	newKey := contact.Network + ":" + sender
	state, err := b.store.GetPSKState(ctx, oldKey)
	switch {
	case err == nil:
		if err := b.store.SetPSKState(ctx, newKey, state); err != nil {
			b.log.Warn("algochat: ratchet migration failed", "contact", contact.ID, "error", err)
		} else if err := b.store.DeletePSKState(ctx, oldKey); err != nil {
			b.log.Warn("algochat: stale ratchet cleanup failed", "contact", contact.ID, "error", err)
		}
	case errors.Is(err, store.ErrNotFound):
		// No placeholder state yet; the new channel starts fresh.
	default:
		b.log.Warn("algochat: ratchet read failed", "contact", contact.ID, "error", err)
	}

	bound := *contact
	bound.MobileAddress = sender
	b.psk.StartForContact(&bound, sender)
}

// knownPSKAddress reports whether the address is already claimed by an
// active contact.
func (b *Bridge) knownPSKAddress(ctx context.Context, address string) bool {
	contacts, err := b.store.ListPSKContacts(ctx, true)
	if err != nil {
		return false
	}
	for _, c := range contacts {
		if c.MobileAddress == address {
			return true
		}
	}
	return false
}
