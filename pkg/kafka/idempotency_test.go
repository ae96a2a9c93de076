package kafka

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var (
	_ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
	_ IdempotencyStore = (*RedisIdempotencyStore)(nil)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemoryStore(ttl time.Duration) (*MemoryIdempotencyStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryIdempotencyStore(ttl)
	s.now = clock.now
	return s, clock
}

// storeCase runs the shared contract against a store and a way to age it.
type storeCase struct {
	name  string
	setup func(t *testing.T, ttl time.Duration) (IdempotencyStore, func(time.Duration))
}

func storeCases() []storeCase {
	return []storeCase{
		{"memory", func(t *testing.T, ttl time.Duration) (IdempotencyStore, func(time.Duration)) {
			s, clock := newMemoryStore(ttl)
			return s, clock.advance
		}},
		{"redis", func(t *testing.T, ttl time.Duration) (IdempotencyStore, func(time.Duration)) {
			s, mr := setupRedisStore(t, ttl)
			return s, mr.FastForward
		}},
	}
}

func TestIdempotencyStore_Contract(t *testing.T) {
	for _, sc := range storeCases() {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			store, age := sc.setup(t, time.Minute)

			seen, err := store.Contains(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, seen, "unknown id")

			require.NoError(t, store.Add(ctx, "evt-1"))
			require.NoError(t, store.Add(ctx, "evt-1"))
			seen, err = store.Contains(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, seen, "recorded id")

			age(2 * time.Minute)
			seen, err = store.Contains(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, seen, "expired id")

			require.NoError(t, store.Add(ctx, "evt-1"))
			seen, err = store.Contains(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, seen, "re-added id")
		})
	}
}

func TestMemoryIdempotencyStore_SweepsOnAdd(t *testing.T) {
	store, clock := newMemoryStore(time.Minute)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, store.Add(ctx, fmt.Sprintf("old-%d", i)))
	}
	assert.Equal(t, 3, store.Len())

	clock.advance(90 * time.Second)
	require.NoError(t, store.Add(ctx, "fresh"))

	assert.Equal(t, 1, store.Len())
}

func TestMemoryIdempotencyStore_ConcurrentAccess(t *testing.T) {
	store, _ := newMemoryStore(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("evt-%d", i%5)
			_ = store.Add(ctx, id)
			seen, err := store.Contains(ctx, id)
			assert.NoError(t, err)
			assert.True(t, seen)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, store.Len())
}

func setupRedisStore(t *testing.T, ttl time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisIdempotencyStore(client, "saga:events:seen:", ttl), mr
}

func TestRedisIdempotencyStore_KeyAndTTL(t *testing.T) {
	store, mr := setupRedisStore(t, time.Hour)

	require.NoError(t, store.Add(context.Background(), "evt-1"))

	assert.True(t, mr.Exists("saga:events:seen:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("saga:events:seen:evt-1"))
}

func TestRedisIdempotencyStore_ServerDown(t *testing.T) {
	store, mr := setupRedisStore(t, time.Hour)
	mr.Close()

	_, err := store.Contains(context.Background(), "evt-3")
	assert.ErrorContains(t, err, "redis exists evt-3")
	assert.ErrorContains(t, store.Add(context.Background(), "evt-3"), "redis set evt-3")
}
