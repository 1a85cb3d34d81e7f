// Package ratelimit implements the sliding-window Rate Limiter (C3):
// per scope+identifier request counters evaluated over a trailing
// window, with interchangeable in-process and Redis-backed stores so a
// single-process deployment and a multi-replica one share the same
// Limiter API. The per-key map/mutex/prune shape is carried over from
// the teacher's token-bucket internal/ratelimit/limiter.go, but the
// algorithm itself is rewritten: spec.md §3 calls for a sliding window
// of timestamped hits, not a refilling bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule configures one sliding window: at most Limit requests within Window.
type Rule struct {
	Window time.Duration
	Limit  int
}

// DefaultRule matches spec.md §3's example: 30 requests per minute.
func DefaultRule() Rule {
	return Rule{Window: time.Minute, Limit: 30}
}

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	RetryAt   time.Time
}

// Store is the pluggable counting backend. Implementations must be safe
// for concurrent use.
type Store interface {
	// Hit records one occurrence for key at ts and returns the number of
	// occurrences within [ts-window, ts].
	Hit(ctx context.Context, key string, ts time.Time, window time.Duration) (int, error)
}

// CompositeKey builds a rate-limit key from a scope and identifier, e.g.
// CompositeKey("skill:send_email", "user-123").
func CompositeKey(scope, identifier string) string {
	return scope + "|" + identifier
}

// Limiter evaluates Rule against a Store for arbitrary scope+identifier keys.
type Limiter struct {
	store Store
	rule  Rule
}

// NewLimiter creates a Limiter backed by store, using rule as the window/limit.
func NewLimiter(store Store, rule Rule) *Limiter {
	if rule.Window <= 0 {
		rule = DefaultRule()
	}
	if rule.Limit <= 0 {
		rule.Limit = DefaultRule().Limit
	}
	return &Limiter{store: store, rule: rule}
}

// Allow records a hit for scope+identifier and reports whether it falls
// within the configured window's limit.
func (l *Limiter) Allow(ctx context.Context, scope, identifier string) (Decision, error) {
	return l.AllowAt(ctx, scope, identifier, time.Now())
}

// AllowAt is Allow with an explicit timestamp, for deterministic tests.
func (l *Limiter) AllowAt(ctx context.Context, scope, identifier string, ts time.Time) (Decision, error) {
	key := CompositeKey(scope, identifier)
	count, err := l.store.Hit(ctx, key, ts, l.rule.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: hit %s: %w", key, err)
	}

	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.rule.Limit,
		Count:     count,
		Remaining: remaining,
		RetryAt:   ts.Add(l.rule.Window),
	}, nil
}

// MemoryStore is an in-process sliding-window Store keyed by a mutex-
// protected map of hit timestamps per key, mirroring the teacher's
// per-key bucket map but storing a timestamp log instead of a token count.
type MemoryStore struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	maxKeys int
}

// NewMemoryStore creates an in-process Store. maxKeys bounds the number of
// distinct tracked keys; once exceeded, fully-expired keys are pruned.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryStore{hits: make(map[string][]time.Time), maxKeys: maxKeys}
}

func (m *MemoryStore) Hit(_ context.Context, key string, ts time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.hits) >= m.maxKeys {
		m.pruneExpired(ts, window)
	}

	cutoff := ts.Add(-window)
	hits := m.hits[key][:0]
	for _, h := range m.hits[key] {
		if h.After(cutoff) {
			hits = append(hits, h)
		}
	}
	hits = append(hits, ts)
	m.hits[key] = hits
	return len(hits), nil
}

func (m *MemoryStore) pruneExpired(ts time.Time, window time.Duration) {
	cutoff := ts.Add(-window)
	for key, hits := range m.hits {
		allExpired := true
		for _, h := range hits {
			if h.After(cutoff) {
				allExpired = false
				break
			}
		}
		if allExpired {
			delete(m.hits, key)
		}
	}
}

// RedisStore is a distributed sliding-window Store backed by a Redis
// sorted set per key: each hit is ZADDed with its timestamp as score,
// entries older than the window are ZREMRANGEBYSCORE'd away, and ZCARD
// reports the in-window count. This shares state across replicas the way
// a single in-process MemoryStore cannot.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a distributed Store using client, namespacing
// keys under prefix (default "ratelimit:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Hit(ctx context.Context, key string, ts time.Time, window time.Duration) (int, error) {
	fullKey := r.prefix + key
	member := fmt.Sprintf("%d-%d", ts.UnixNano(), ts.Nanosecond())
	cutoff := ts.Add(-window).UnixNano()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", fmt.Sprintf("%d", cutoff))
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(ts.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, fullKey)
	pipe.Expire(ctx, fullKey, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit: redis pipeline for %s: %w", fullKey, err)
	}
	return int(card.Val()), nil
}
