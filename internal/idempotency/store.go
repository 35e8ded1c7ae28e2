// Package idempotency deduplicates inbound instance-creation triggers so a
// redelivered request returns the instance it created the first time.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/wardflow/model"
)

// Store reserves idempotency keys.
//
// Reserve claims key for ttl. It returns reserved=true when the caller now
// owns the key. When the key was already completed it returns the instance ID
// recorded by Complete and reserved=false. A key reserved but not yet
// completed yields a CONFLICT error: another request is creating it.
type Store interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (existingInstanceID string, reserved bool, err error)
	Complete(ctx context.Context, key, instanceID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Key namespaces a caller-supplied idempotency key by template.
func Key(templateID, key string) string {
	return fmt.Sprintf("idem:%s:%s", templateID, key)
}

func inFlight(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q is in use by a request still in flight", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	instanceID string
	expiresAt  time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// WithClock replaces the clock used for expiry. For testing.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		if e.instanceID == "" {
			return "", false, inFlight(key)
		}
		return e.instanceID, false, nil
	}
	s.entries[key] = memEntry{expiresAt: now.Add(ttl)}
	return "", true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{instanceID: instanceID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.instanceID == "" {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. A reservation is an empty value set
// with SETNX; completion overwrites it with the instance ID.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ok, err := s.client.SetNX(ctx, key, "", ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return "", true, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, key, "", ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return "", true, nil
		}
		return "", false, inFlight(key)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	if existing == "" {
		return "", false, inFlight(key)
	}
	return existing, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, instanceID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, instanceID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// releaseScript deletes a key only while it is still an unfinished
// reservation.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}
