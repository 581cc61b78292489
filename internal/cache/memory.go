package cache

import (
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore is a capacity-bounded in-memory LRU store with TTL-based
// expiration. The LRU's own TTL acts as the upper bound; each entry's
// freshness window is still checked on lookup so shorter per-entry TTLs
// expire on time.
type MemoryStore struct {
	lru        *expirable.LRU[string, *Entry]
	maxEntries int
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64

	now func() time.Time
}

// NewMemoryStore creates an in-memory store holding at most maxEntries
// responses, each expiring after at most ttl.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &MemoryStore{
		maxEntries: maxEntries,
		now:        time.Now,
	}
	s.lru = expirable.NewLRU[string, *Entry](maxEntries, func(string, *Entry) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Lookup(key string) (*Entry, bool) {
	entry, ok := s.lru.Get(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if !entry.Fresh(s.now()) {
		s.lru.Remove(key)
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return entry, true
}

func (s *MemoryStore) Store(key string, entry *Entry) {
	s.lru.Add(key, entry)
}

func (s *MemoryStore) Delete(key string) {
	s.lru.Remove(key)
}

func (s *MemoryStore) Purge() {
	s.lru.Purge()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Entries:    s.lru.Len(),
		MaxEntries: s.maxEntries,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
	}
}
