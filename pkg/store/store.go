package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnavailable marks any failure to reach or use the backing store.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("key not found")
)

// Store is the shared key-value contract every admission gate runs against.
// A ttl of zero means the key never expires.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// incrScript increments and sets the expiry only on the call that created the key.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore wraps go-redis.
type RedisStore struct{ client *redis.Client }

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (r *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, 0, unavailable("incr", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, unavailable("incr", fmt.Errorf("unexpected script reply %T", res))
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = 0
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return res, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (r *RedisStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return unavailable("del", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// MemoryStore is a single-process TTL store. Every operation holds one lock,
// so each primitive is atomic with respect to the others.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: map[string]memItem{}, now: now}
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.cleanupLocked(now)
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (m *MemoryStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.cleanupLocked(now)
	item, ok := m.items[key]
	if !ok {
		item = memItem{value: "0", expiresAt: expiry(now, ttl)}
	}
	count, err := strconv.ParseInt(item.value, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("incr %s: value is not an integer", key)
	}
	count++
	item.value = strconv.FormatInt(count, 10)
	m.items[key] = item
	var remaining time.Duration
	if !item.expiresAt.IsZero() {
		remaining = item.expiresAt.Sub(now)
	}
	return count, remaining, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked(m.now())
	item, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return item.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.cleanupLocked(now)
	m.items[key] = memItem{value: value, expiresAt: expiry(now, ttl)}
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len reports the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked(m.now())
	return len(m.items)
}

func (m *MemoryStore) cleanupLocked(now time.Time) {
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
