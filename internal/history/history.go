// Package history owns the per-session conversation record: reading it,
// appending with the retention policy applied, and clearing it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
	"github.com/ashureev/chat-worker/internal/domain"
	"github.com/ashureev/chat-worker/internal/store"
)

const (
	historyPrefix = "history:"
	ownerPrefix   = "owner:"
)

// Accessor reads and writes history records in a key-value store.
type Accessor struct {
	kv           store.Store
	maxLen       int
	ttl          time.Duration
	retries      int
	systemPrompt string
}

// NewAccessor creates an accessor using the history section of cfg.
func NewAccessor(kv store.Store, cfg *config.Config) *Accessor {
	return &Accessor{
		kv:           kv,
		maxLen:       cfg.History.Max,
		ttl:          cfg.History.TTL,
		retries:      cfg.History.AppendRetries,
		systemPrompt: cfg.History.SystemPrompt,
	}
}

// IdentityKey is the history key bound to a verified identity.
func IdentityKey(identity string) string {
	return identity
}

// SessionKey is the history key for a client-chosen session id.
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// Read returns the stored history for key, or the default single system
// message when none exists or the stored value is malformed.
func (a *Accessor) Read(ctx context.Context, key string) ([]domain.Message, error) {
	msgs, _, err := a.load(ctx, key)
	return msgs, err
}

// load returns the parsed history together with the raw stored value, which
// is the compare-and-swap precondition for the next write. raw is empty when
// the record is absent.
func (a *Accessor) load(ctx context.Context, key string) ([]domain.Message, string, error) {
	raw, err := a.kv.Get(ctx, historyPrefix+key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DefaultHistory(a.systemPrompt), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read history: %w", err)
	}

	msgs, err := decode(raw)
	if err != nil {
		slog.Warn("Stored history malformed, resetting to default", "session_key", key, "error", err)
		return domain.DefaultHistory(a.systemPrompt), raw, nil
	}
	return msgs, raw, nil
}

func decode(raw string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errors.New("empty history")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("message %d has unknown role %q", i, m.Role)
		}
	}
	return msgs, nil
}

// Append adds msgs to the stored history, applies the retention policy and
// persists the result with the TTL reset. A concurrent writer on the same
// key causes a re-read and retry; after the configured attempts it fails
// with a Conflict error.
func (a *Accessor) Append(ctx context.Context, key string, msgs ...domain.Message) ([]domain.Message, error) {
	for attempt := 1; attempt <= a.retries; attempt++ {
		current, raw, err := a.load(ctx, key)
		if err != nil {
			return nil, err
		}

		next := make([]domain.Message, 0, len(current)+len(msgs))
		next = append(next, current...)
		next = append(next, msgs...)
		next = domain.Trim(next, a.maxLen)

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode history: %w", err)
		}

		ok, err := a.kv.CompareAndSwap(ctx, historyPrefix+key, raw, string(data), a.ttl)
		if err != nil {
			return nil, fmt.Errorf("write history: %w", err)
		}
		if ok {
			return next, nil
		}
		slog.Debug("History changed concurrently, retrying append", "session_key", key, "attempt", attempt)
	}
	return nil, domain.Conflict("history was modified concurrently, retry the request")
}

// Clear deletes the stored history. Clearing an absent record is not an error.
func (a *Accessor) Clear(ctx context.Context, key string) error {
	if err := a.kv.Delete(ctx, historyPrefix+key); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// ClaimOwner binds a client-chosen session id to identity. The first identity
// to claim a session owns it; any other identity gets a Forbidden error.
func (a *Accessor) ClaimOwner(ctx context.Context, sessionID, identity string) error {
	key := ownerPrefix + sessionID
	claimed, err := a.kv.SetNX(ctx, key, identity, a.ttl)
	if err != nil {
		return fmt.Errorf("claim session owner: %w", err)
	}
	if claimed {
		return nil
	}

	owner, err := a.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		// Expired between the two calls; claim again.
		return a.ClaimOwner(ctx, sessionID, identity)
	}
	if err != nil {
		return fmt.Errorf("read session owner: %w", err)
	}
	if owner != identity {
		return domain.Forbidden("session belongs to another user")
	}
	return nil
}
