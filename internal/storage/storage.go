// Package storage opens the identity store selected by configuration.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/maychat/relay/internal/config"
	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/storage/postgres"
	"github.com/maychat/relay/internal/storage/sqlite"
)

// Backend is a migrated identity store with a health check.
type Backend interface {
	identity.Store
	identity.Admin
	// Health returns nil if the store answers within timeout.
	Health(ctx context.Context, timeout time.Duration) error
	Close() error
}

var (
	_ Backend = (*postgres.Store)(nil)
	_ Backend = (*sqlite.UserRepository)(nil)
)

// Open connects to the store named by cfg.Driver and brings its schema up to date.
//
// Precondition: cfg must have passed config validation.
// Postcondition: Returns a ready Backend, or a non-nil error with nothing left open.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		repo, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
