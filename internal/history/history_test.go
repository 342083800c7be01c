package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccessor(t *testing.T, maxLen int) (*Accessor, *store.MemoryStore) {
	t.Helper()
	cfg := config.Defaults()
	cfg.History.Max = maxLen
	cfg.History.SystemPrompt = "be nice"
	kv := store.NewMemory()
	return NewAccessor(kv, cfg), kv
}

func TestReadDefaultsWhenAbsent(t *testing.T) {
	a, _ := newAccessor(t, 20)

	got, err := a.Read(context.Background(), "user:alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.Message{{Role: domain.RoleSystem, Content: "be nice"}}, got)
}

func TestReadResetsMalformedRecord(t *testing.T) {
	a, kv := newAccessor(t, 20)
	ctx := context.Background()

	for _, raw := range []string{`{"not":"an array"}`, `[{"role":"robot","content":"x"}]`, `[]`, `garbage`} {
		require.NoError(t, kv.Set(ctx, "history:k", raw, 0))
		got, err := a.Read(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultHistory("be nice"), got, raw)
	}
}

func TestAppendOverwritesMalformedRecord(t *testing.T) {
	a, kv := newAccessor(t, 20)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "history:k", "garbage", 0))

	got, err := a.Append(ctx, "k", domain.Message{Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAppendAppliesRetention(t *testing.T) {
	a, kv := newAccessor(t, 5)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := a.Append(ctx, "k", domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}

	raw, err := kv.Get(ctx, "history:k")
	require.NoError(t, err)
	var stored []domain.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))

	require.Len(t, stored, 5)
	assert.Equal(t, domain.RoleSystem, stored[0].Role)
	assert.Equal(t, "q6", stored[1].Content)
	assert.Equal(t, "q9", stored[4].Content)
}

func TestClearThenReadReturnsDefault(t *testing.T) {
	a, _ := newAccessor(t, 20)
	ctx := context.Background()

	_, err := a.Append(ctx, "k",
		domain.Message{Role: domain.RoleUser, Content: "hi"},
		domain.Message{Role: domain.RoleAssistant, Content: "hello"})
	require.NoError(t, err)

	require.NoError(t, a.Clear(ctx, "k"))
	require.NoError(t, a.Clear(ctx, "k"), "clear must be idempotent")

	got, err := a.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultHistory("be nice"), got)
}

func TestConcurrentAppendsAllSurvive(t *testing.T) {
	a, _ := newAccessor(t, 100)
	a.retries = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Append(ctx, "k", domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("q%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := a.Read(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 11)
}

// racingStore makes every compare-and-swap lose.
type racingStore struct {
	*store.MemoryStore
}

func (racingStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestAppendGivesUpAfterRetries(t *testing.T) {
	cfg := config.Defaults()
	a := NewAccessor(racingStore{store.NewMemory()}, cfg)

	_, err := a.Append(context.Background(), "k", domain.Message{Role: domain.RoleUser, Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, domain.AsError(err).HTTPStatus())
}

func TestClaimOwnerFirstWriterWins(t *testing.T) {
	a, _ := newAccessor(t, 20)
	ctx := context.Background()

	require.NoError(t, a.ClaimOwner(ctx, "tab-1", "sub:alice"))
	require.NoError(t, a.ClaimOwner(ctx, "tab-1", "sub:alice"))

	err := a.ClaimOwner(ctx, "tab-1", "sub:mallory")
	require.Error(t, err)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.KindForbidden, de.Kind)
}
