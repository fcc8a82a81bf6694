package kad

import (
	"container/heap"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxRecordAge is how long a locally-stored value record lives
// before it expires (§3).
const DefaultMaxRecordAge = 36 * time.Hour

// record is one LocalValueStore entry (§3 Data Model).
type record struct {
	key       string
	value     []byte
	expireAt  time.Time
	refreshAt time.Time
	updatedAt time.Time
	heapIdx   int // index into the expiry heap
}

// RecordValidator vets a record before PutValue/GetValue accepts it
// locally. The default is a no-op pass-through (§ Supplemental features,
// item 5 — grounded on cpp-libp2p's validator_default.hpp).
type RecordValidator func(key string, value []byte) error

// AcceptAllValidator is the default RecordValidator: it accepts everything.
func AcceptAllValidator(string, []byte) error { return nil }

// expiryHeap orders records by expireAt for the sweep (§3: "ordered
// indexes for the sweep"). It is the only ordered index; refreshAt is
// checked per key by NeedsRefresh.
type expiryHeap []*record

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIdx = i; h[j].heapIdx = j }
func (h *expiryHeap) Push(x any) {
	r := x.(*record)
	r.heapIdx = len(*h)
	*h = append(*h, r)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIdx = -1
	*h = old[:n-1]
	return r
}

// LocalValueStore holds locally-accepted DHT value records, indexed by key
// and swept by expiry (§3, §9 refreshInterval note).
type LocalValueStore struct {
	mu          sync.Mutex
	byKey       map[string]*record
	expiry      expiryHeap
	maxAge      time.Duration
	validator   RecordValidator
}

// NewLocalValueStore creates a store with the given max record age. A nil
// validator defaults to AcceptAllValidator.
func NewLocalValueStore(maxAge time.Duration, validator RecordValidator) *LocalValueStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxRecordAge
	}
	if validator == nil {
		validator = AcceptAllValidator
	}
	return &LocalValueStore{
		byKey:     make(map[string]*record),
		maxAge:    maxAge,
		validator: validator,
	}
}

// refreshInterval is 2/5 of max age, per §9's resolved open question.
func (s *LocalValueStore) refreshInterval() time.Duration {
	return s.maxAge * 2 / 5
}

// Put validates and stores a record, replacing any existing one for key.
func (s *LocalValueStore) Put(key string, value []byte) error {
	if err := s.validator(key, value); err != nil {
		return err
	}
	now := time.Now()
	r := &record{
		key:       key,
		value:     value,
		updatedAt: now,
		expireAt:  now.Add(s.maxAge),
		refreshAt: now.Add(s.refreshInterval()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byKey[key]; ok && old.heapIdx >= 0 {
		heap.Remove(&s.expiry, old.heapIdx)
	}
	s.byKey[key] = r
	heap.Push(&s.expiry, r)
	return nil
}

// Get returns the value for key and whether it is still present
// (expired entries are treated as absent even before the sweep removes
// them).
func (s *LocalValueStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[key]
	if !ok || time.Now().After(r.expireAt) {
		return nil, false
	}
	return r.value, true
}

// NeedsRefresh reports whether key's record has passed its refresh_at.
func (s *LocalValueStore) NeedsRefresh(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[key]
	if !ok {
		return false
	}
	return time.Now().After(r.refreshAt)
}

// Sweep evicts every expired record and returns the keys removed. Intended
// to be invoked periodically by a scheduler.Handle (C6).
func (s *LocalValueStore) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	now := time.Now()
	for s.expiry.Len() > 0 && s.expiry[0].expireAt.Before(now) {
		r := heap.Pop(&s.expiry).(*record)
		delete(s.byKey, r.key)
		removed = append(removed, r.key)
	}
	return removed
}

// DefaultProviderTTL is how long a provider record is retained.
const DefaultProviderTTL = 24 * time.Hour

// ProviderStore tracks, per key, the set of peers that have advertised
// themselves as providers (§9 Supplemental feature 4: split from the peer
// routing table, cpp-libp2p's ContentRoutingTableImpl). Backed by an LRU so
// the key space doesn't grow unbounded under adversarial AddProvider
// traffic.
type ProviderStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, map[PeerId]time.Time]
	ttl   time.Duration
}

// NewProviderStore creates a provider store holding up to capacity distinct
// keys.
func NewProviderStore(capacity int, ttl time.Duration) *ProviderStore {
	if ttl <= 0 {
		ttl = DefaultProviderTTL
	}
	c, _ := lru.New[string, map[PeerId]time.Time](capacity)
	return &ProviderStore{cache: c, ttl: ttl}
}

// AddProvider records that p provides key.
func (s *ProviderStore) AddProvider(key string, p PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cache.Get(key)
	if !ok {
		m = make(map[PeerId]time.Time)
	}
	m[p] = time.Now().Add(s.ttl)
	s.cache.Add(key, m)
}

// Providers returns the non-expired providers known for key.
func (s *ProviderStore) Providers(key string) []PeerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	now := time.Now()
	var out []PeerId
	for id, expiry := range m {
		if expiry.After(now) {
			out = append(out, id)
		} else {
			delete(m, id)
		}
	}
	return out
}
