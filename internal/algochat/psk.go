package algochat

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

const (
	pskPrefix = "psk1."
	// pskReplayWindow tolerates reordered chunks settling in nearby rounds.
	pskReplayWindow = 16
)

// ratchetState is the persisted per-contact counter pair. Message keys are
// derived from the initial PSK per counter, so only counters need storing.
type ratchetState struct {
	SendCounter uint64 `json:"sendCounter"`
	RecvCounter uint64 `json:"recvCounter"`
}

type pskChannel struct {
	contact store.PSKContact
	address string
	state   ratchetState
}

// RatchetManager implements PSKManager: symmetric per-contact channels keyed
// by a pre-shared key, AES-256-GCM with one derived key per message counter.
type RatchetManager struct {
	store  store.PSKStore
	sender ChainSender
	log    *slog.Logger

	mu       sync.Mutex
	channels map[string]*pskChannel // participant address → channel
}

// NewRatchetManager restores active bound contacts from the store.
func NewRatchetManager(ctx context.Context, st store.PSKStore, sender ChainSender, log *slog.Logger) (*RatchetManager, error) {
	m := &RatchetManager{
		store:    st,
		sender:   sender,
		log:      log,
		channels: make(map[string]*pskChannel),
	}
	contacts, err := st.ListPSKContacts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list psk contacts: %w", err)
	}
	for _, c := range contacts {
		if c.MobileAddress == "" {
			continue
		}
		m.StartForContact(c, c.MobileAddress)
	}
	return m, nil
}

func stateKey(network, address string) string { return network + ":" + address }

// IsContact reports whether the participant has a live PSK channel.
func (m *RatchetManager) IsContact(participant string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[participant]
	return ok
}

// StartForContact binds a contact's ratchet to a discovered address,
// restoring persisted counters when present.
func (m *RatchetManager) StartForContact(contact *store.PSKContact, address string) {
	ch := &pskChannel{contact: *contact, address: address}
	ch.contact.MobileAddress = address
	if raw, err := m.store.GetPSKState(context.Background(), stateKey(contact.Network, address)); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &ch.state); err != nil {
			m.log.Warn("algochat: psk state corrupt, resetting", "address", address, "error", err)
			ch.state = ratchetState{}
		}
	}
	m.mu.Lock()
	m.channels[address] = ch
	m.mu.Unlock()
	m.log.Info("algochat: psk channel started", "contact", contact.Nickname, "address", address)
}

// StopForAddress tears down the channel and deletes its ratchet state.
func (m *RatchetManager) StopForAddress(address string) {
	m.mu.Lock()
	ch, ok := m.channels[address]
	delete(m.channels, address)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.store.DeletePSKState(context.Background(), stateKey(ch.contact.Network, address)); err != nil {
		m.log.Warn("algochat: psk state delete failed", "address", address, "error", err)
	}
}

// SendChunk encrypts one chunk under the next send counter and submits it
// as a minimum-fee transaction from the main account.
func (m *RatchetManager) SendChunk(ctx context.Context, participant, text string) error {
	m.mu.Lock()
	ch, ok := m.channels[participant]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no psk channel for %s", participant)
	}
	ch.state.SendCounter++
	counter := ch.state.SendCounter
	psk := ch.contact.InitialPSK
	network := ch.contact.Network
	m.mu.Unlock()

	note, err := sealPSK(psk, counter, text)
	if err != nil {
		return err
	}
	if _, err := m.sender.Send(ctx, m.sender.Address(), participant, note, m.sender.MinFeeMicro()); err != nil {
		return err
	}
	m.persistState(network, participant, ch)
	return nil
}

// DecryptFrom opens a note from a bound contact's address.
func (m *RatchetManager) DecryptFrom(address, note string) (string, bool) {
	m.mu.Lock()
	ch, ok := m.channels[address]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	contact := ch.contact
	return m.TrialDecrypt(&contact, note)
}

// TrialDecrypt attempts to open a note with the contact's key. Used both for
// discovery (unbound contacts) and for live ingress. Replayed or far-future
// counters fail.
func (m *RatchetManager) TrialDecrypt(contact *store.PSKContact, note string) (string, bool) {
	counter, plaintext, err := openPSK(contact.InitialPSK, note)
	if err != nil {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ch, bound := m.channels[contact.MobileAddress]
	if !bound {
		// Discovery path: any valid decryption counts.
		return plaintext, true
	}
	if counter <= ch.state.RecvCounter && ch.state.RecvCounter-counter >= pskReplayWindow {
		return "", false
	}
	if counter > ch.state.RecvCounter {
		ch.state.RecvCounter = counter
		go m.persistState(ch.contact.Network, contact.MobileAddress, ch)
	}
	return plaintext, true
}

func (m *RatchetManager) persistState(network, address string, ch *pskChannel) {
	m.mu.Lock()
	raw, err := json.Marshal(ch.state)
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := m.store.SetPSKState(context.Background(), stateKey(network, address), raw); err != nil {
		m.log.Warn("algochat: psk state persist failed", "address", address, "error", err)
	}
}

// messageKey derives the AES key for one counter from the pre-shared key.
func messageKey(psk []byte, counter uint64) ([]byte, error) {
	info := fmt.Sprintf("algochat-psk-msg-%d", counter)
	return hkdf.Key(sha256.New, psk, nil, info, 32)
}

// sealPSK produces "psk1." + base64url(counter(8) || nonce(12) || ciphertext).
func sealPSK(psk []byte, counter uint64, plaintext string) (string, error) {
	key, err := messageKey(psk, counter)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, counter)
	ct := gcm.Seal(nil, nonce, []byte(plaintext), header)

	buf := make([]byte, 0, 8+len(nonce)+len(ct))
	buf = append(buf, header...)
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return pskPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func openPSK(psk []byte, note string) (uint64, string, error) {
	if !strings.HasPrefix(note, pskPrefix) {
		return 0, "", fmt.Errorf("not a psk note")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(note, pskPrefix))
	if err != nil {
		return 0, "", fmt.Errorf("psk note encoding: %w", err)
	}
	if len(raw) < 8+12+TagSize {
		return 0, "", fmt.Errorf("psk note too short")
	}
	header, nonce, ct := raw[:8], raw[8:20], raw[20:]
	counter := binary.BigEndian.Uint64(header)

	key, err := messageKey(psk, counter)
	if err != nil {
		return 0, "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return 0, "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ct, header)
	if err != nil {
		return 0, "", fmt.Errorf("psk open: %w", err)
	}
	return counter, string(plaintext), nil
}
