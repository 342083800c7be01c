package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	memClock := &clock{now: time.Unix(1_700_000_000, 0)}
	mem := NewMemory()
	mem.SetClock(memClock.Now)

	sqlClock := &clock{now: time.Unix(1_700_000_000, 0)}
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	sqlite.now = sqlClock.Now
	t.Cleanup(func() { _ = sqlite.Close() })

	mr := miniredis.RunT(t)
	rdb := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	return []backend{
		{name: "memory", store: mem, advance: memClock.Advance},
		{name: "sqlite", store: sqlite, advance: sqlClock.Advance},
		{name: "redis", store: rdb, advance: mr.FastForward},
	}
}

func TestStoreGetSetDelete(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			_, err := b.store.Get(ctx, "k")
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, b.store.Set(ctx, "k", "v1", 0))
			got, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v1", got)

			require.NoError(t, b.store.Set(ctx, "k", "v2", time.Minute))
			got, err = b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", got)

			require.NoError(t, b.store.Delete(ctx, "k"))
			require.NoError(t, b.store.Delete(ctx, "k"))
			_, err = b.store.Get(ctx, "k")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.store.Set(ctx, "k", "v", time.Minute))

			b.advance(59 * time.Second)
			_, err := b.store.Get(ctx, "k")
			require.NoError(t, err)

			b.advance(2 * time.Second)
			_, err = b.store.Get(ctx, "k")
			assert.True(t, errors.Is(err, ErrNotFound))

			ok, err := b.store.SetNX(ctx, "k", "fresh", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "expired key should be claimable")
		})
	}
}

func TestStoreSetNX(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := b.store.SetNX(ctx, "owner", "alice", 0)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.SetNX(ctx, "owner", "bob", 0)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := b.store.Get(ctx, "owner")
			require.NoError(t, err)
			assert.Equal(t, "alice", got)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := b.store.CompareAndSwap(ctx, "h", "", "one", 0)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.CompareAndSwap(ctx, "h", "", "again", 0)
			require.NoError(t, err)
			assert.False(t, ok, "absent-precondition must fail once the key exists")

			ok, err = b.store.CompareAndSwap(ctx, "h", "stale", "two", 0)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.store.CompareAndSwap(ctx, "h", "one", "two", 0)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := b.store.Get(ctx, "h")
			require.NoError(t, err)
			assert.Equal(t, "two", got)
		})
	}
}

func TestSQLiteDeleteExpired(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	s, err := NewSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	s.now = c.Now

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "short", "v", time.Second))
	require.NoError(t, s.Set(ctx, "forever", "v", 0))

	c.Advance(2 * time.Second)
	deleted, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestRedisCompareAndSwapConcurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = rdb.Close() }()

	ctx := context.Background()
	require.NoError(t, rdb.Set(ctx, "n", "0", 0))

	const writers = 10
	var (
		wg  sync.WaitGroup
		won = make(chan struct{}, writers)
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := rdb.CompareAndSwap(ctx, "n", "0", "1", 0)
			assert.NoError(t, err)
			if ok {
				won <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(won)

	assert.Len(t, won, 1, "exactly one writer may swap from the same value")
	got, err := rdb.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestNewSQLiteRejectsNonDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 64), 0o600))

	s, err := NewSQLite(path)
	assert.Error(t, err)
	assert.Nil(t, s)
}
