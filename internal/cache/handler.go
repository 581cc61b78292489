package cache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/strataproxy/strata/internal/config"
)

// Handler manages caching for a single route: cacheability decisions,
// request fingerprinting, and the storage backend.
type Handler struct {
	store       Store
	ttl         time.Duration
	maxBodySize int64
	keyHeaders  []string // sorted at construction
	methods     map[string]bool
	coalescer   *Coalescer

	now func() time.Time
}

// NewHandler creates a cache handler for a route. A nil redisClient forces
// the in-memory store even when the route asks for Redis.
func NewHandler(routeID string, cfg config.CacheConfig, redisClient *redis.Client) *Handler {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}

	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet}
	}
	methodMap := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodMap[strings.ToUpper(m)] = true
	}

	keyHeaders := make([]string, len(cfg.KeyHeaders))
	copy(keyHeaders, cfg.KeyHeaders)
	sort.Strings(keyHeaders)

	var store Store
	if cfg.Redis && redisClient != nil {
		store = NewRedisStore(redisClient, "strata:cache:"+routeID+":", ttl)
	} else {
		store = NewMemoryStore(cfg.MaxEntries, ttl)
	}

	h := &Handler{
		store:       store,
		ttl:         ttl,
		maxBodySize: maxBodySize,
		keyHeaders:  keyHeaders,
		methods:     methodMap,
		now:         time.Now,
	}
	if cfg.Coalesce {
		h.coalescer = NewCoalescer()
	}
	return h
}

// Fingerprint derives the cache key for a request: method, path, raw query
// and the configured header subset, hashed to a fixed-length hex string.
func (h *Handler) Fingerprint(r *http.Request) string {
	d := xxhash.New()
	d.WriteString(r.Method)
	d.WriteString("|")
	d.WriteString(r.URL.Path)
	d.WriteString("|")
	d.WriteString(r.URL.RawQuery)

	for _, name := range h.keyHeaders {
		if v := r.Header.Get(name); v != "" {
			d.WriteString("|")
			d.WriteString(name)
			d.WriteString("=")
			d.WriteString(v)
		}
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Cacheable reports whether a request may be served from or populate the
// cache. Clients opt out with Cache-Control.
func (h *Handler) Cacheable(r *http.Request) bool {
	if !h.methods[r.Method] {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// Storable reports whether a response may be written to the cache. Only
// successful responses within the size bound are stored.
func (h *Handler) Storable(statusCode int, header http.Header, bodySize int64) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	if strings.Contains(header.Get("Cache-Control"), "no-store") {
		return false
	}
	return bodySize <= h.maxBodySize
}

// Lookup fetches a fresh entry by fingerprint.
func (h *Handler) Lookup(key string) (*Entry, bool) {
	return h.store.Lookup(key)
}

// Store writes a response under the fingerprint with the route's TTL.
func (h *Handler) Store(key string, statusCode int, header http.Header, body []byte) {
	h.store.Store(key, &Entry{
		StatusCode: statusCode,
		Header:     header.Clone(),
		Body:       body,
		StoredAt:   h.now(),
		TTL:        h.ttl,
	})
}

// MaxBodySize returns the largest response body the route will cache.
func (h *Handler) MaxBodySize() int64 {
	return h.maxBodySize
}

// Coalescer returns the route's miss coalescer, nil when not configured.
func (h *Handler) Coalescer() *Coalescer {
	return h.coalescer
}

// Purge clears the route's cache.
func (h *Handler) Purge() {
	h.store.Purge()
}

// Stats returns storage counters for the route.
func (h *Handler) Stats() StoreStats {
	return h.store.Stats()
}

// WriteCached replays an entry to the client with an X-Cache: HIT marker
// and the entry's age.
func WriteCached(w http.ResponseWriter, entry *Entry, now time.Time) {
	for k, vv := range entry.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("Age", strconv.Itoa(int(entry.Age(now).Seconds())))
	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}
