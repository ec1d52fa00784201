package algochat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// RemoteNode talks to the companion wallet daemon that owns the chain keys:
// it signs and submits payment transactions, decrypts inbound notes, and
// proxies indexer queries. Implements ChainSender, Indexer, and the note
// decryption used by the sync layer.
type RemoteNode struct {
	baseURL  string
	address  string
	minFee   int64
	authToken string
	client   *http.Client
}

// NewRemoteNode points at the wallet daemon. address is the main chat
// account the daemon holds keys for.
func NewRemoteNode(baseURL, address, authToken string) *RemoteNode {
	return &RemoteNode{
		baseURL:   baseURL,
		address:   address,
		minFee:    1000,
		authToken: authToken,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *RemoteNode) Address() string    { return n.address }
func (n *RemoteNode) MinFeeMicro() int64 { return n.minFee }

func (n *RemoteNode) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet daemon %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (n *RemoteNode) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return err
	}
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet daemon %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type sendRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Plaintext   string   `json:"plaintext,omitempty"`
	Chunks      []string `json:"chunks,omitempty"`
	AmountMicro int64    `json:"amountMicro"`
}

type sendResponse struct {
	TxID     string `json:"txid"`
	GroupID  string `json:"groupId,omitempty"`
	FeeMicro int64  `json:"feeMicro"`
	Round    uint64 `json:"round"`
}

// Send submits one encrypted-note payment transaction.
func (n *RemoteNode) Send(ctx context.Context, from, to, plaintext string, amountMicro int64) (SendReceipt, error) {
	var resp sendResponse
	err := n.post(ctx, "/v1/send", sendRequest{From: from, To: to, Plaintext: plaintext, AmountMicro: amountMicro}, &resp)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{TxID: resp.TxID, GroupID: resp.GroupID, FeeMicro: resp.FeeMicro, Round: resp.Round}, nil
}

// SendGroup submits the chunks as one atomic transaction group.
func (n *RemoteNode) SendGroup(ctx context.Context, from, to string, chunks []string, amountMicro int64) (SendReceipt, error) {
	var resp sendResponse
	err := n.post(ctx, "/v1/send-group", sendRequest{From: from, To: to, Chunks: chunks, AmountMicro: amountMicro}, &resp)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{TxID: resp.TxID, GroupID: resp.GroupID, FeeMicro: resp.FeeMicro, Round: resp.Round}, nil
}

// CurrentRound returns the chain head round.
func (n *RemoteNode) CurrentRound(ctx context.Context) (uint64, error) {
	var resp struct {
		Round uint64 `json:"round"`
	}
	if err := n.get(ctx, "/v1/round", &resp); err != nil {
		return 0, err
	}
	return resp.Round, nil
}

// PaymentsTo lists payments into address at or above minRound. Notes come
// back raw (still encrypted) so PSK discovery can trial-decrypt them.
func (n *RemoteNode) PaymentsTo(ctx context.Context, address string, minRound uint64) ([]IndexedPayment, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("minRound", strconv.FormatUint(minRound, 10))
	var resp struct {
		Payments []struct {
			TxID        string `json:"txid"`
			Sender      string `json:"sender"`
			Note        string `json:"note"`
			Round       uint64 `json:"round"`
			AmountMicro int64  `json:"amountMicro"`
		} `json:"payments"`
	}
	if err := n.get(ctx, "/v1/payments?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]IndexedPayment, len(resp.Payments))
	for i, p := range resp.Payments {
		out[i] = IndexedPayment{TxID: p.TxID, Sender: p.Sender, Note: p.Note, Round: p.Round, AmountMicro: p.AmountMicro}
	}
	return out, nil
}

// DecryptNote opens one main-channel note addressed to us. ok is false for
// notes the daemon cannot open (foreign traffic, PSK blobs).
func (n *RemoteNode) DecryptNote(ctx context.Context, sender, note string) (string, bool, error) {
	var resp struct {
		Plaintext string `json:"plaintext"`
		OK        bool   `json:"ok"`
	}
	err := n.post(ctx, "/v1/decrypt", map[string]string{"sender": sender, "note": note}, &resp)
	if err != nil {
		return "", false, err
	}
	return resp.Plaintext, resp.OK, nil
}
