package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strataproxy/strata/internal/gwerror"
	"github.com/strataproxy/strata/internal/logging"
)

const redisOpTimeout = 100 * time.Millisecond

func init() {
	gob.Register(http.Header{})
}

// RedisStore is a Redis-backed store for sharing cached responses across
// instances. Every Redis or codec failure degrades to a miss; a broken
// cache never fails a request.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore creates a Redis store. The prefix should include the route
// ID, e.g. "strata:cache:orders:".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Lookup(key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("redis cache lookup failed, treating as miss", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
		}
		s.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		logging.Warn("redis cache decode failed, treating as miss", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
		s.misses.Add(1)
		return nil, false
	}
	if !entry.Fresh(time.Now()) {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return &entry, true
}

func (s *RedisStore) Store(key string, entry *Entry) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		logging.Warn("redis cache encode failed", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	ttl := entry.TTL
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}
	if err := s.client.Set(ctx, s.prefix+key, buf.Bytes(), ttl).Err(); err != nil {
		logging.Warn("redis cache store failed", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		logging.Warn("redis cache delete failed", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
	}
}

// Purge removes every key under the store's prefix using cursor scans.
func (s *RedisStore) Purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("redis cache purge scan failed", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("redis cache purge delete failed", zap.Error(gwerror.Wrap(gwerror.ErrCache, err)))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (s *RedisStore) Stats() StoreStats {
	return StoreStats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
}
