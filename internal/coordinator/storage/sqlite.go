package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

// SQLiteTaskStore is an embedded ledger that survives coordinator restarts.
type SQLiteTaskStore struct {
	db *sql.DB
}

func OpenSQLiteTaskStore(ctx context.Context, path string) (*SQLiteTaskStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteTaskStore{db: db}
	if err := store.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteTaskStore) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		`CREATE TABLE IF NOT EXISTS tasks (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			root      TEXT NOT NULL,
			user_name TEXT NOT NULL,
			parent    TEXT NOT NULL DEFAULT '',
			worker    TEXT NOT NULL DEFAULT '',
			state     TEXT NOT NULL,
			profile   TEXT NOT NULL,
			waiting   INTEGER NOT NULL DEFAULT 0,
			version   INTEGER NOT NULL,
			data      BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_root ON tasks(root);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_runnable ON tasks(state, waiting, profile);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (*core.TaskInfo, error) {
	var (
		data    []byte
		version int64
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT data, version FROM tasks WHERE id = ?`, id).Scan(&data, &version)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return decodeTask(data, version)
}

func (s *SQLiteTaskStore) Put(ctx context.Context, task *core.TaskInfo) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	args := taskArgs(task, data)

	if task.Version == 0 {
		err := retryOnBusy(ctx, func() error {
			_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
			return err
		})
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("create task %s: %w", task.ID, core.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		task.Version = 1
		return nil
	}

	var affected int64
	err = retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET root = ?, user_name = ?, parent = ?, worker = ?, state = ?, profile = ?, waiting = ?, version = ?, data = ?
WHERE id = ? AND version = ?`,
			append(args[1:], task.ID, task.Version)...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if affected == 0 {
		return s.missOrConflict(ctx, task.ID, task.Version)
	}
	task.Version++
	return nil
}

func (s *SQLiteTaskStore) Delete(ctx context.Context, id string, version int64) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND version = ?`, id, version)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected == 0 {
		return s.missOrConflict(ctx, id, version)
	}
	return nil
}

func (s *SQLiteTaskStore) missOrConflict(ctx context.Context, id string, version int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("task %s at version %d: %w", id, version, core.ErrConflict)
}

func (s *SQLiteTaskStore) List(ctx context.Context, filter core.TaskFilter) ([]*core.TaskInfo, error) {
	where, args := filterClause(filter, func(int) string { return "?" })
	return s.query(ctx, `SELECT data, version FROM tasks`+where+` ORDER BY seq`, args...)
}

func (s *SQLiteTaskStore) Runnable(ctx context.Context, profile string, limit int) ([]*core.TaskInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
SELECT data, version FROM tasks
WHERE state = ? AND waiting = 0 AND profile = ?
ORDER BY seq LIMIT ?`, string(core.TaskStateQueued), profile, limit)
}

func (s *SQLiteTaskStore) query(ctx context.Context, q string, args ...any) ([]*core.TaskInfo, error) {
	var tasks []*core.TaskInfo
	err := retryOnBusy(ctx, func() error {
		tasks = nil
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				data    []byte
				version int64
			)
			if err := rows.Scan(&data, &version); err != nil {
				return err
			}
			t, err := decodeTask(data, version)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// retryOnBusy retries f while SQLite reports the database as busy or locked.
func retryOnBusy(ctx context.Context, f func() error) error {
	const (
		maxRetries = 5
		baseDelay  = 20 * time.Millisecond
		maxDelay   = 500 * time.Millisecond
	)
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}
