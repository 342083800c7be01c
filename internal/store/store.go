// Package store provides key-value persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/chat-worker/internal/config"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the key-value contract shared by every backend. A ttl of zero
// means the value never expires.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value unconditionally and resets its expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value only if key is absent. It reports whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value for key only if it still equals old.
	// An empty old means the key must be absent. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// New builds the backend selected by configuration.
func New(cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreSQLite:
		return NewSQLite(cfg.Store.DBPath)
	case config.StoreRedis:
		return NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
