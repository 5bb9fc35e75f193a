package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// OpenConfig selects and configures the store opened by Open.
type OpenConfig struct {
	Kind   Kind   `mapstructure:"kind" yaml:"kind" validate:"required,oneof=memory sqlite"`
	SQLite Config `mapstructure:"sqlite" yaml:"sqlite"`
}

// Open creates, initializes and migrates the configured store.
func Open(ctx context.Context, cfg OpenConfig, logger zerolog.Logger) (Store, error) {
	var store Store
	switch cfg.Kind {
	case KindMemory, "":
		store = NewMemoryStore(WithMemoryLogger(logger))
	case KindSQLite:
		s, err := NewSQLiteStore(cfg.SQLite, WithSQLiteLogger(logger))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unsupported store kind: %s", cfg.Kind)
	}

	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Kind, err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Kind, err)
	}
	return store, nil
}
