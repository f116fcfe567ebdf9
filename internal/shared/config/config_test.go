package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCoordinator_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadCoordinator("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.REST.Addr)
	require.Equal(t, int64(1<<20), cfg.REST.MaxBodyBytes)
	require.Equal(t, ":9090", cfg.GRPC.Addr)
	require.Equal(t, BackendMemory, cfg.Ledger.Backend)
	require.Equal(t, DefaultRootPath, cfg.Ledger.RootPath)
	require.Equal(t, 2*time.Minute, cfg.Ledger.LeaseDuration)
	require.Equal(t, 20, cfg.Ledger.Retry.Attempts)
	require.Equal(t, 100*time.Millisecond, cfg.Ledger.Retry.MaxBackoff)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadCoordinator_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
grpc:
  addr: ":7070"
ledger:
  backend: sqlite
  dsn: /var/lib/gobatch/ledger.db
  lease_duration: 45s
  retry:
    attempts: 5
logging:
  level: debug
`)
	t.Setenv("GOBATCH_COORDINATOR_REST_ADDR", ":1234")

	cfg, err := LoadCoordinator(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.GRPC.Addr)
	require.Equal(t, ":1234", cfg.REST.Addr)
	require.Equal(t, BackendSQLite, cfg.Ledger.Backend)
	require.Equal(t, "/var/lib/gobatch/ledger.db", cfg.Ledger.DSN)
	require.Equal(t, 45*time.Second, cfg.Ledger.LeaseDuration)
	require.Equal(t, 5, cfg.Ledger.Retry.Attempts)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadCoordinator_InvalidLedger(t *testing.T) {
	_, err := LoadCoordinator(writeConfig(t, "ledger:\n  backend: cassandra\n"))
	require.ErrorContains(t, err, "unknown ledger backend")

	_, err = LoadCoordinator(writeConfig(t, "ledger:\n  backend: postgres\n"))
	require.ErrorContains(t, err, "requires a dsn")
}

func TestLoadCoordinator_MissingExplicitFile(t *testing.T) {
	_, err := LoadCoordinator(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadWorker(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GOBATCH_WORKER_WORKER_PROFILE", "bigmem")

	cfg, err := LoadWorker("")
	require.NoError(t, err)
	require.Equal(t, "bigmem", cfg.Worker.Profile)
	require.Equal(t, "localhost:9090", cfg.Coordinator.Addr)
	require.Equal(t, 2*time.Second, cfg.Worker.ProgressInterval)
	require.Equal(t, 30*time.Second, cfg.Coordinator.GRPC.KeepaliveTime)
}

func TestLoadLocal(t *testing.T) {
	cfg, err := LoadLocal(writeConfig(t, "workers: 3\nledger:\n  root_path: /data/jobs\n"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, "/data/jobs", cfg.Ledger.RootPath)
	require.Equal(t, "text", cfg.Logging.Format)
}
