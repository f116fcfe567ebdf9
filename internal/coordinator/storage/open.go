package storage

import (
	"context"
	"fmt"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/config"
)

// Open returns the task store the ledger config selects together with a
// function releasing it.
func Open(ctx context.Context, cfg config.LedgerConfig) (core.TaskStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewInMemoryTaskStore(), func() {}, nil
	case config.BackendSQLite:
		store, err := OpenSQLiteTaskStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case config.BackendPostgres:
		store, err := OpenPostgresTaskStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend: %q", cfg.Backend)
	}
}
