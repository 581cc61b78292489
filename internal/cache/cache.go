// Package cache provides per-route response caching with pluggable storage
// backends. Entries carry their own freshness window so a stale hit from any
// backend degrades to a miss.
package cache

import (
	"net/http"
	"time"
)

// Entry is one cached response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	TTL        time.Duration
}

// Fresh reports whether the entry is still within its freshness window.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Age returns how long the entry has been cached, floored to zero.
func (e *Entry) Age(now time.Time) time.Duration {
	if a := now.Sub(e.StoredAt); a > 0 {
		return a
	}
	return 0
}

// Store abstracts the cache storage backend. Implementations must be safe
// for concurrent use. A Lookup of an expired entry returns a miss.
type Store interface {
	Lookup(key string) (*Entry, bool)
	Store(key string, entry *Entry)
	Delete(key string)
	Purge()
	Stats() StoreStats
}

// StoreStats contains storage-level counters. Entries is exact at the time
// of the call; MaxEntries and Evictions are zero where the backend does not
// track them.
type StoreStats struct {
	Entries    int   `json:"entries"`
	MaxEntries int   `json:"max_entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
}
