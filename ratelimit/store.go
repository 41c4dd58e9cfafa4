// Package ratelimit implements named, prefixed token buckets over a
// pluggable store, with multi-limiter aggregation for the request engine.
package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

// Store tracks consumption counters per key within a fixed window.
type Store interface {
	// Incr adds points to the counter at key, creating it with the window
	// TTL when absent or expired. It returns the running total, the time
	// until the window resets, and whether this call created the window.
	Incr(ctx context.Context, key string, points int64, window time.Duration) (total int64, ttl time.Duration, first bool, err error)
	// Reset deletes the counter at key.
	Reset(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

type bucket struct {
	total   int64
	expires time.Time
}

// NewMemoryStore returns an in-process store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

// NewMemoryStoreWithClock returns a store on the given clock. Tests pass a
// mock to step windows deterministically.
func NewMemoryStoreWithClock(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: c, buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, points int64, window time.Duration) (int64, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	b, ok := s.buckets[key]
	if !ok || !b.expires.After(now) {
		b = &bucket{expires: now.Add(window)}
		s.buckets[key] = b
	}
	first := b.total == 0
	b.total += points
	return b.total, b.expires.Sub(now), first, nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// RedisStore is a Store over a shared Redis deployment so that limits hold
// across processes.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis URL (single, cluster, or
// sentinel) and pings it.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: c}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(c redis.UniversalClient) *RedisStore {
	return &RedisStore{client: c}
}

func (s *RedisStore) Incr(ctx context.Context, key string, points int64, window time.Duration) (int64, time.Duration, bool, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, points)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, false, err
	}
	total := incr.Val()
	ttl := pttl.Val()
	first := false
	if ttl < 0 {
		// Key was just created (or carried no TTL): start the window now.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return 0, 0, false, err
		}
		ttl = window
		first = total == points
	}
	return total, ttl, first, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// parseRedisURL turns a Redis address into UniversalOptions. Accepted
// forms: a bare host:port, redis:// and rediss:// (single node or a
// comma-separated cluster host list, db in the path or a ?db= query), and
// the *-sentinel variants (master name in the path, credentials and db in
// the query). The extra "s" selects TLS.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	base, sentinel := strings.CutSuffix(u.Scheme, "-sentinel")
	if base != "redis" && base != "rediss" {
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if base == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	q := u.Query()
	path := strings.TrimPrefix(u.Path, "/")
	dbStr := q.Get("db")
	if sentinel {
		opts.MasterName = path
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	} else if path != "" {
		// a path component takes precedence over ?db=
		dbStr = path
	}
	if dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid db %q", dbStr)
		}
		opts.DB = db
	}
	return opts, nil
}
