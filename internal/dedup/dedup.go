// Package dedup gives every ingress path a shared bounded
// "have I seen this key?" primitive, so at-least-once transports (the
// chain, webhooks, Slack retries) degrade to exactly-once within the
// configured window.
package dedup

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawfleet/internal/store"
)

const (
	defaultMaxSize = 1000
	defaultTTL     = 5 * time.Minute

	pruneEvery = 60 * time.Second
	flushEvery = 30 * time.Second
)

// Options configures one namespace.
type Options struct {
	MaxSize int
	TTL     time.Duration
	// Persist writes the namespace to the database on the flush loop and
	// restores it on Init.
	Persist bool
}

// Stats is a point-in-time counter snapshot for one namespace.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key       string
	expiresAt time.Time
}

type namespace struct {
	opts  Options
	order *list.List               // front = MRU
	items map[string]*list.Element // key → element holding *entry

	hits      uint64
	misses    uint64
	evictions uint64
}

func newNamespace(opts Options) *namespace {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &namespace{
		opts:  opts,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// Service is the namespaced dedup registry. The zero value is not usable;
// use New.
type Service struct {
	mu         sync.Mutex
	namespaces map[string]*namespace

	db  store.DedupStore // nil until Init
	log *slog.Logger
	now func() time.Time
}

// New returns an empty Service. Persistence is off until Init attaches a
// database.
func New(log *slog.Logger) *Service {
	return &Service{
		namespaces: make(map[string]*namespace),
		log:        log,
		now:        time.Now,
	}
}

// Register creates or reconfigures a namespace. Existing entries survive a
// re-register.
func (s *Service) Register(ns string, opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.namespaces[ns]; ok {
		if opts.MaxSize <= 0 {
			opts.MaxSize = defaultMaxSize
		}
		if opts.TTL <= 0 {
			opts.TTL = defaultTTL
		}
		existing.opts = opts
		return
	}
	s.namespaces[ns] = newNamespace(opts)
}

// IsDuplicate is an atomic check-and-set: true iff key was present and
// unexpired; otherwise the key is recorded and false is returned.
func (s *Service) IsDuplicate(ns, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ensure(ns)
	now := s.now()

	if el, ok := n.items[key]; ok {
		e := el.Value.(*entry)
		if now.Before(e.expiresAt) {
			n.hits++
			e.expiresAt = now.Add(n.opts.TTL)
			n.order.MoveToFront(el)
			return true
		}
		// Expired: fall through to re-insert.
		n.order.Remove(el)
		delete(n.items, key)
	}
	n.misses++
	s.insert(n, key, now)
	return false
}

// Has probes without recording.
func (s *Service) Has(ns, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return false
	}
	el, ok := n.items[key]
	if !ok {
		n.misses++
		return false
	}
	e := el.Value.(*entry)
	if !s.now().Before(e.expiresAt) {
		n.misses++
		n.order.Remove(el)
		delete(n.items, key)
		return false
	}
	n.hits++
	n.order.MoveToFront(el)
	return true
}

// Delete removes one key.
func (s *Service) Delete(ns, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return
	}
	if el, ok := n.items[key]; ok {
		n.order.Remove(el)
		delete(n.items, key)
	}
}

// Clear empties a namespace, keeping its configuration.
func (s *Service) Clear(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.namespaces[ns]; ok {
		n.order.Init()
		n.items = make(map[string]*list.Element)
	}
}

// NamespaceStats returns counters for one namespace.
func (s *Service) NamespaceStats(ns string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return Stats{}
	}
	return Stats{Size: len(n.items), Hits: n.hits, Misses: n.misses, Evictions: n.evictions}
}

// AllStats returns counters for every namespace.
func (s *Service) AllStats() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Stats, len(s.namespaces))
	for name, n := range s.namespaces {
		out[name] = Stats{Size: len(n.items), Hits: n.hits, Misses: n.misses, Evictions: n.evictions}
	}
	return out
}

// insert assumes the lock is held and the key is absent.
func (s *Service) insert(n *namespace, key string, now time.Time) {
	for len(n.items) >= n.opts.MaxSize {
		back := n.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(*entry)
		n.order.Remove(back)
		delete(n.items, evicted.key)
		n.evictions++
	}
	el := n.order.PushFront(&entry{key: key, expiresAt: now.Add(n.opts.TTL)})
	n.items[key] = el
}

func (s *Service) ensure(ns string) *namespace {
	n, ok := s.namespaces[ns]
	if !ok {
		n = newNamespace(Options{})
		s.namespaces[ns] = n
	}
	return n
}

// Init attaches the database and restores persisted namespaces. Call after
// Register so persistence flags are known.
func (s *Service) Init(ctx context.Context, db store.DedupStore) error {
	s.mu.Lock()
	names := make([]string, 0)
	for name, n := range s.namespaces {
		if n.opts.Persist {
			names = append(names, name)
		}
	}
	s.db = db
	now := s.now()
	s.mu.Unlock()

	for _, name := range names {
		entries, err := db.LoadDedupNamespace(ctx, name, now)
		if err != nil {
			return err
		}
		s.mu.Lock()
		n := s.ensure(name)
		for _, e := range entries {
			if _, ok := n.items[e.Key]; ok {
				continue
			}
			el := n.order.PushFront(&entry{key: e.Key, expiresAt: e.ExpiresAt})
			n.items[e.Key] = el
		}
		s.mu.Unlock()
		s.log.Debug("dedup: restored namespace", "namespace", name, "keys", len(entries))
	}
	return nil
}

// Run drives the prune and flush loops until ctx is done. A final flush
// runs on shutdown so the persisted window survives restarts.
func (s *Service) Run(ctx context.Context) error {
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	flush := time.NewTicker(flushEvery)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return nil
		case <-prune.C:
			s.prune()
		case <-flush.C:
			s.flush(ctx)
		}
	}
}

func (s *Service) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, n := range s.namespaces {
		var next *list.Element
		for el := n.order.Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*entry)
			if !now.Before(e.expiresAt) {
				n.order.Remove(el)
				delete(n.items, e.key)
			}
		}
	}
}

// flush snapshots each persisted namespace under the lock, then writes
// outside it. A wholesale replace per namespace tolerates the in-memory
// state moving on beneath it.
func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	db := s.db
	if db == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	snapshots := make(map[string][]store.DedupEntry)
	for name, n := range s.namespaces {
		if !n.opts.Persist {
			continue
		}
		entries := make([]store.DedupEntry, 0, len(n.items))
		for el := n.order.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if now.Before(e.expiresAt) {
				entries = append(entries, store.DedupEntry{Key: e.key, ExpiresAt: e.expiresAt})
			}
		}
		snapshots[name] = entries
	}
	s.mu.Unlock()

	for name, entries := range snapshots {
		if err := db.ReplaceDedupNamespace(ctx, name, entries); err != nil {
			s.log.Warn("dedup: flush failed", "namespace", name, "error", err)
		}
	}
}
