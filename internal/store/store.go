package store

import (
	"context"
	"fmt"

	"github.com/relayfan/outboxer/internal/config"
)

// Store is the persistent key-value contract the engine builds on: get/set/
// remove by string key with JSON-encoded record values. There are no
// transactions and no compare-and-swap; read-modify-write sequences are
// advisory and last-writer-wins.
type Store interface {
	// Get decodes the record stored under key into v. The boolean reports
	// whether the key existed.
	Get(ctx context.Context, key string, v any) (bool, error)
	// Set encodes v and stores it under key, replacing any previous value.
	Set(ctx context.Context, key string, v any) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// New creates a Store backed by the configured driver
func New(ctx context.Context, cfg *config.Store) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := newSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := newRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis store: %w", err)
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
