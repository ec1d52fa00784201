package dedup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

func newTestService() *Service {
	return New(slog.New(slog.DiscardHandler))
}

func TestIsDuplicateUnderReplay(t *testing.T) {
	s := newTestService()
	s.Register("webhook-delivery", Options{})

	if s.IsDuplicate("webhook-delivery", "abc") {
		t.Fatal("first check of abc should not be a duplicate")
	}
	if !s.IsDuplicate("webhook-delivery", "abc") {
		t.Fatal("second check of abc should be a duplicate")
	}
	if s.IsDuplicate("webhook-delivery", "def") {
		t.Fatal("first check of def should not be a duplicate")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestService()
	now := time.Now()
	s.now = func() time.Time { return now }
	s.Register("ns", Options{TTL: time.Minute})

	s.IsDuplicate("ns", "k")
	if !s.Has("ns", "k") {
		t.Fatal("key should be present before expiry")
	}

	now = now.Add(61 * time.Second)
	if s.Has("ns", "k") {
		t.Fatal("key should have expired")
	}
	// Expired key re-inserts on check-and-set.
	if s.IsDuplicate("ns", "k") {
		t.Fatal("expired key should not count as a duplicate")
	}
}

func TestLRUEviction(t *testing.T) {
	s := newTestService()
	s.Register("ns", Options{MaxSize: 2})

	s.IsDuplicate("ns", "a")
	s.IsDuplicate("ns", "b")
	s.Has("ns", "a") // promote a to MRU
	s.IsDuplicate("ns", "c")

	if !s.Has("ns", "a") {
		t.Fatal("a was MRU and should survive")
	}
	if s.Has("ns", "b") {
		t.Fatal("b was LRU and should be evicted")
	}
	st := s.NamespaceStats("ns")
	if st.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", st.Evictions)
	}
	if st.Size != 2 {
		t.Fatalf("size = %d, want 2", st.Size)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestService()
	s.IsDuplicate("ns", "a")
	s.IsDuplicate("ns", "b")

	s.Delete("ns", "a")
	if s.Has("ns", "a") {
		t.Fatal("deleted key still present")
	}
	s.Clear("ns")
	if s.Has("ns", "b") {
		t.Fatal("cleared namespace still has keys")
	}
}

type memDedupStore struct {
	data map[string][]store.DedupEntry
}

func (m *memDedupStore) ReplaceDedupNamespace(_ context.Context, ns string, entries []store.DedupEntry) error {
	m.data[ns] = append([]store.DedupEntry(nil), entries...)
	return nil
}

func (m *memDedupStore) LoadDedupNamespace(_ context.Context, ns string, now time.Time) ([]store.DedupEntry, error) {
	var out []store.DedupEntry
	for _, e := range m.data[ns] {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestPersistRoundTrip(t *testing.T) {
	db := &memDedupStore{data: map[string][]store.DedupEntry{}}
	ctx := context.Background()

	s := newTestService()
	s.Register("chain", Options{Persist: true})
	if err := s.Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	s.IsDuplicate("chain", "tx1")
	s.IsDuplicate("chain", "tx2")
	s.flush(ctx)

	restored := newTestService()
	restored.Register("chain", Options{Persist: true})
	if err := restored.Init(ctx, db); err != nil {
		t.Fatal(err)
	}
	if !restored.IsDuplicate("chain", "tx1") {
		t.Fatal("tx1 should have been restored as seen")
	}
	if restored.IsDuplicate("chain", "tx3") {
		t.Fatal("tx3 was never recorded")
	}
}

func TestGlobalReset(t *testing.T) {
	ResetGlobal()
	g := Global()
	g.IsDuplicate("ns", "k")
	ResetGlobal()
	if Global().Has("ns", "k") {
		t.Fatal("reset global should start empty")
	}
}
