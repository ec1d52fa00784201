package algochat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func walletDaemonStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer daemon-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.To == "" || req.Plaintext == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(sendResponse{TxID: "TX1", FeeMicro: 1000, Round: 42})
	})
	mux.HandleFunc("POST /v1/send-group", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(sendResponse{TxID: "TXG", GroupID: "G1", FeeMicro: int64(len(req.Chunks)) * 1000, Round: 43})
	})
	mux.HandleFunc("GET /v1/round", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]uint64{"round": 99})
	})
	mux.HandleFunc("GET /v1/payments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("minRound") != "50" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"payments": []map[string]any{
			{"txid": "P1", "sender": "ALICE", "note": "blob", "round": 60, "amountMicro": 1500},
		}})
	})
	mux.HandleFunc("POST /v1/decrypt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"plaintext": "opened", "ok": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteNodeRoundTrips(t *testing.T) {
	daemon := walletDaemonStub(t)
	node := NewRemoteNode(daemon.URL, "MAIN", "daemon-token")
	ctx := context.Background()

	if node.Address() != "MAIN" || node.MinFeeMicro() != 1000 {
		t.Fatal("identity accessors")
	}

	receipt, err := node.Send(ctx, "MAIN", "BOB", "hi", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.TxID != "TX1" || receipt.Round != 42 {
		t.Fatalf("receipt = %+v", receipt)
	}

	receipt, err = node.SendGroup(ctx, "MAIN", "BOB", []string{"a", "b", "c"}, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.GroupID != "G1" || receipt.FeeMicro != 3000 {
		t.Fatalf("group receipt = %+v", receipt)
	}

	round, err := node.CurrentRound(ctx)
	if err != nil || round != 99 {
		t.Fatalf("round = %d err = %v", round, err)
	}

	payments, err := node.PaymentsTo(ctx, "MAIN", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(payments) != 1 || payments[0].Sender != "ALICE" || payments[0].AmountMicro != 1500 {
		t.Fatalf("payments = %+v", payments)
	}

	plaintext, ok, err := node.DecryptNote(ctx, "ALICE", "blob")
	if err != nil || !ok || plaintext != "opened" {
		t.Fatalf("decrypt = %q %v %v", plaintext, ok, err)
	}
}

func TestRemoteNodeAuthFailureSurfaces(t *testing.T) {
	daemon := walletDaemonStub(t)
	node := NewRemoteNode(daemon.URL, "MAIN", "wrong")
	if _, err := node.Send(context.Background(), "MAIN", "BOB", "hi", 1000); err == nil {
		t.Fatal("unauthorized send succeeded")
	}
}
