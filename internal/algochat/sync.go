package algochat

import (
	"context"
	"log/slog"
	"time"
)

// fastPollInterval is the cadence while tool approvals are outstanding.
const fastPollInterval = 5 * time.Second

// BatchHandler consumes decrypted transport messages, oldest first.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []IncomingMessage)
}

// NoteDecrypter opens main-channel notes. ok is false for foreign traffic.
type NoteDecrypter interface {
	DecryptNote(ctx context.Context, sender, note string) (string, bool, error)
}

// PSKDecrypter opens notes from bound pre-shared-key contacts.
type PSKDecrypter interface {
	IsContact(participant string) bool
	DecryptFrom(address, note string) (string, bool)
}

// SyncManager polls the indexer for payments into the main account,
// decrypts their notes, and feeds the bridge. It is the bridge's FastPoller:
// while approvals are outstanding it drops to a 5 s cadence.
type SyncManager struct {
	indexer  Indexer
	notes    NoteDecrypter
	psk      PSKDecrypter // nil when no PSK channels configured
	address  string
	interval time.Duration
	log      *slog.Logger

	handler   BatchHandler
	fastCh    chan bool
	fast      time.Duration
	lastRound uint64
}

func NewSyncManager(indexer Indexer, notes NoteDecrypter, psk PSKDecrypter, address string, interval time.Duration, log *slog.Logger) *SyncManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SyncManager{
		indexer:  indexer,
		notes:    notes,
		psk:      psk,
		address:  address,
		interval: interval,
		fast:     fastPollInterval,
		log:      log,
		fastCh:   make(chan bool, 8),
	}
}

// SetHandler binds the consumer. Must be called before Run.
func (s *SyncManager) SetHandler(h BatchHandler) { s.handler = h }

// SetFastPoll switches between the configured interval and the 5 s fast
// cadence. Safe from any goroutine.
func (s *SyncManager) SetFastPoll(on bool) {
	select {
	case s.fastCh <- on:
	default:
	}
}

// Run polls until ctx is cancelled. The watermark starts at the current
// head so history is not replayed on restart.
func (s *SyncManager) Run(ctx context.Context) error {
	head, err := s.indexer.CurrentRound(ctx)
	if err != nil {
		s.log.Warn("algochat: initial round lookup failed, starting at zero", "error", err)
	}
	s.lastRound = head

	interval := s.interval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fast := <-s.fastCh:
			next := s.interval
			if fast {
				next = s.fast
			}
			if next == interval {
				continue
			}
			interval = next
			// The pending timer still carries the old cadence; re-arm it
			// so the change takes effect before it fires.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
			s.log.Info("algochat: poll cadence changed", "interval", interval)
		case <-timer.C:
			s.syncOnce(ctx)
			timer.Reset(interval)
		}
	}
}

// syncOnce pulls everything past the watermark and hands the decryptable
// messages to the bridge.
func (s *SyncManager) syncOnce(ctx context.Context) {
	payments, err := s.indexer.PaymentsTo(ctx, s.address, s.lastRound+1)
	if err != nil {
		s.log.Warn("algochat: indexer poll failed", "error", err)
		return
	}
	if len(payments) == 0 {
		return
	}

	var msgs []IncomingMessage
	for _, p := range payments {
		if p.Round > s.lastRound {
			s.lastRound = p.Round
		}
		if p.Note == "" {
			continue
		}
		content, ok := s.decrypt(ctx, p.Sender, p.Note)
		if !ok {
			continue
		}
		msgs = append(msgs, IncomingMessage{
			TxID:        p.TxID,
			Sender:      p.Sender,
			Direction:   "received",
			Content:     content,
			Round:       p.Round,
			AmountMicro: p.AmountMicro,
		})
	}
	if len(msgs) == 0 || s.handler == nil {
		return
	}
	s.handler.HandleBatch(ctx, msgs)
}

func (s *SyncManager) decrypt(ctx context.Context, sender, note string) (string, bool) {
	if s.psk != nil && s.psk.IsContact(sender) {
		return s.psk.DecryptFrom(sender, note)
	}
	plaintext, ok, err := s.notes.DecryptNote(ctx, sender, note)
	if err != nil {
		s.log.Warn("algochat: note decrypt failed", "sender", sender, "error", err)
		return "", false
	}
	return plaintext, ok
}
