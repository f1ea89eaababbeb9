package dualauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultAttemptTTL bounds how long a user may sit on the consent screen.
const DefaultAttemptTTL = 10 * time.Minute

// AttemptStore holds pending attempts between init and callback.
//
// TakeOnce must be an atomic get-and-delete: when two callbacks for the same
// key race, exactly one of them receives the attempt.
type AttemptStore interface {
	Put(ctx context.Context, key string, attempt *PendingAuthAttempt, ttl time.Duration) error
	TakeOnce(ctx context.Context, key string) (*PendingAuthAttempt, error)
	Has(ctx context.Context, key string) (bool, error)
}

// ErrAttemptMissing is returned by TakeOnce when nothing is stored under the key.
var ErrAttemptMissing = errors.New("attempt not found")

func attemptKey(protocol Protocol, key string) string {
	return string(protocol) + ":" + key
}

// MemoryAttemptStore keeps attempts in process memory. Expired entries from
// abandoned flows are cleaned up lazily on each Put.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	attempt   PendingAuthAttempt
	expiresAt time.Time
}

// NewMemoryAttemptStore returns an empty in-memory store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{entries: make(map[string]memoryEntry)}
}

// Put saves a copy of attempt under key for ttl.
func (s *MemoryAttemptStore) Put(ctx context.Context, key string, attempt *PendingAuthAttempt, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := now()
	s.removeExpired(t)

	s.entries[key] = memoryEntry{
		attempt:   *attempt,
		expiresAt: t.Add(ttl),
	}
	return nil
}

// TakeOnce retrieves and removes the attempt stored under key.
func (s *MemoryAttemptStore) TakeOnce(ctx context.Context, key string) (*PendingAuthAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrAttemptMissing
	}

	// Delete after reading (one-time use), even when expired.
	delete(s.entries, key)

	if now().After(entry.expiresAt) {
		return nil, ErrAttemptMissing
	}

	attempt := entry.attempt
	return &attempt, nil
}

// Has reports whether a live attempt is stored under key.
func (s *MemoryAttemptStore) Has(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return ok && !now().After(entry.expiresAt), nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryAttemptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RemoveExpired drops every expired entry. The server calls it periodically.
func (s *MemoryAttemptStore) RemoveExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeExpired(now())
}

// only call when locked
func (s *MemoryAttemptStore) removeExpired(t time.Time) {
	for k, v := range s.entries {
		if t.After(v.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// RedisAttemptStore keeps attempts in Redis so that several server instances
// can share them. Expiry is delegated to Redis key TTLs.
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisAttemptStore wraps a go-redis client.
func NewRedisAttemptStore(client redis.UniversalClient) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, prefix: "dualauth:attempt:"}
}

func (s *RedisAttemptStore) key(key string) string {
	return s.prefix + key
}

// Put saves attempt under key with the given TTL.
func (s *RedisAttemptStore) Put(ctx context.Context, key string, attempt *PendingAuthAttempt, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("attempt store: failed to marshal: %w", err)
	}

	return s.client.Set(ctx, s.key(key), data, ttl).Err()
}

// TakeOnce uses GETDEL, which Redis executes atomically.
func (s *RedisAttemptStore) TakeOnce(ctx context.Context, key string) (*PendingAuthAttempt, error) {
	val, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrAttemptMissing
	}
	if err != nil {
		return nil, err
	}

	var attempt PendingAuthAttempt
	if err := json.Unmarshal(val, &attempt); err != nil {
		return nil, fmt.Errorf("attempt store: failed to unmarshal: %w", err)
	}

	if attempt.Expired(now()) {
		return nil, ErrAttemptMissing
	}

	return &attempt, nil
}

// Has reports whether the key exists.
func (s *RedisAttemptStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
