package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers which inbound event ids were applied.
// Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Contains reports whether eventID was recorded and has not expired.
	Contains(ctx context.Context, eventID string) (bool, error)
	// Add records eventID. Callers add after a successful apply so a failed
	// attempt can be redelivered.
	Add(ctx context.Context, eventID string) error
}

// MemoryIdempotencyStore keeps event ids in process memory for a single
// orchestrator instance. Entries live for ttl.
type MemoryIdempotencyStore struct {
	seen      *xsync.MapOf[string, time.Time]
	ttl       time.Duration
	now       func() time.Time
	nextSweep atomic.Int64
}

// NewMemoryIdempotencyStore creates an in-memory store.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		seen: xsync.NewMapOf[string, time.Time](),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryIdempotencyStore) Contains(_ context.Context, eventID string) (bool, error) {
	// Expired ids are deleted atomically with the lookup.
	_, ok := s.seen.Compute(eventID, func(at time.Time, loaded bool) (time.Time, bool) {
		return at, !loaded || s.now().Sub(at) > s.ttl
	})
	return ok, nil
}

// Add records eventID. Every ttl, Add also drops the ids that expired
// without being looked up again.
func (s *MemoryIdempotencyStore) Add(_ context.Context, eventID string) error {
	now := s.now()
	s.seen.Store(eventID, now)
	next := s.nextSweep.Load()
	if now.UnixNano() >= next && s.nextSweep.CompareAndSwap(next, now.Add(s.ttl).UnixNano()) {
		s.seen.Range(func(id string, at time.Time) bool {
			if now.Sub(at) > s.ttl {
				s.seen.Delete(id)
			}
			return true
		})
	}
	return nil
}

// Len returns the number of ids held, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	return s.seen.Size()
}

// RedisIdempotencyStore keeps event ids in Redis so every replica shares
// one view. Keys are prefix + event id and expire after ttl.
type RedisIdempotencyStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) Contains(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", eventID, err)
	}
	return n == 1, nil
}

func (s *RedisIdempotencyStore) Add(ctx context.Context, eventID string) error {
	err := s.client.Set(ctx, s.prefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", eventID, err)
	}
	return nil
}
