package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/gobatch/internal/shared/config"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := Open(ctx, config.LedgerConfig{Backend: config.BackendMemory})
	require.NoError(t, err)
	require.IsType(t, &InMemoryTaskStore{}, store)
	closeStore()

	store, closeStore, err = Open(ctx, config.LedgerConfig{
		Backend: config.BackendSQLite,
		DSN:     filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	require.IsType(t, &SQLiteTaskStore{}, store)
	closeStore()

	_, _, err = Open(ctx, config.LedgerConfig{Backend: "etcd"})
	require.ErrorContains(t, err, "unknown ledger backend")
}
