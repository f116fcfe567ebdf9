package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

const uniqueViolation = "23505"

// PostgresTaskStore is a networked ledger shared by several coordinators.
type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTaskStore(pool *pgxpool.Pool) *PostgresTaskStore {
	return &PostgresTaskStore{pool: pool}
}

// OpenPostgresTaskStore connects to dsn and ensures the schema exists.
func OpenPostgresTaskStore(ctx context.Context, dsn string) (*PostgresTaskStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := NewPostgresTaskStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresTaskStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gobatch_tasks (
			seq       BIGSERIAL PRIMARY KEY,
			id        TEXT NOT NULL UNIQUE,
			root      TEXT NOT NULL,
			user_name TEXT NOT NULL,
			parent    TEXT NOT NULL DEFAULT '',
			worker    TEXT NOT NULL DEFAULT '',
			state     TEXT NOT NULL,
			profile   TEXT NOT NULL,
			waiting   INTEGER NOT NULL DEFAULT 0,
			version   BIGINT NOT NULL,
			data      JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gobatch_tasks_root ON gobatch_tasks (root)`,
		`CREATE INDEX IF NOT EXISTS idx_gobatch_tasks_runnable ON gobatch_tasks (state, waiting, profile)`,
		`CREATE INDEX IF NOT EXISTS idx_gobatch_tasks_worker ON gobatch_tasks (worker)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresTaskStore) Close() {
	s.pool.Close()
}

func (s *PostgresTaskStore) Get(ctx context.Context, id string) (*core.TaskInfo, error) {
	var (
		data    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `SELECT data, version FROM gobatch_tasks WHERE id = $1`, id).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return decodeTask(data, version)
}

func (s *PostgresTaskStore) Put(ctx context.Context, task *core.TaskInfo) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	args := taskArgs(task, data)

	if task.Version == 0 {
		_, err := s.pool.Exec(ctx, `INSERT INTO gobatch_tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, args...)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create task %s: %w", task.ID, core.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		task.Version = 1
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE gobatch_tasks
SET root = $2, user_name = $3, parent = $4, worker = $5, state = $6, profile = $7, waiting = $8, version = $9, data = $10
WHERE id = $1 AND version = $11`,
		append(args, task.Version)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, task.ID, task.Version)
	}
	task.Version++
	return nil
}

func (s *PostgresTaskStore) Delete(ctx context.Context, id string, version int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM gobatch_tasks WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, version)
	}
	return nil
}

func (s *PostgresTaskStore) missOrConflict(ctx context.Context, id string, version int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("task %s at version %d: %w", id, version, core.ErrConflict)
}

func (s *PostgresTaskStore) List(ctx context.Context, filter core.TaskFilter) ([]*core.TaskInfo, error) {
	where, args := filterClause(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	return s.query(ctx, `SELECT data, version FROM gobatch_tasks`+where+` ORDER BY seq`, args...)
}

func (s *PostgresTaskStore) Runnable(ctx context.Context, profile string, limit int) ([]*core.TaskInfo, error) {
	q := `SELECT data, version FROM gobatch_tasks WHERE state = $1 AND waiting = 0 AND profile = $2 ORDER BY seq`
	args := []any{string(core.TaskStateQueued), profile}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *PostgresTaskStore) query(ctx context.Context, q string, args ...any) ([]*core.TaskInfo, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.TaskInfo
	for rows.Next() {
		var (
			data    []byte
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(data, version)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}
