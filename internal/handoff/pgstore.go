package handoff

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	sqlUpsertEntry = `
        INSERT INTO handoff_entries (key, value, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = now();
    `
	sqlFindTasks = `
        SELECT key, value
        FROM handoff_entries
        WHERE key LIKE 'task:%'
        ORDER BY updated_at ASC;
    `
	sqlSelectEntry = `
        SELECT value FROM handoff_entries WHERE key = $1;
    `
	sqlDeleteEntry = `
        DELETE FROM handoff_entries WHERE key = $1;
    `
)

// PGStore is the Postgres-backed handoff store.
type PGStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*PGStore)(nil)

// NewPGStore creates the store and verifies the connection.
func NewPGStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PGStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGStore{pool: pool, log: logger.Named("pgstore")}, nil
}

func (s *PGStore) Put(ctx context.Context, task schemas.AutomationTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.TaskID, err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertEntry, taskKey(task), string(value)); err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *PGStore) FindPending(ctx context.Context) (*schemas.AutomationTask, error) {
	rows, err := s.pool.Query(ctx, sqlFindTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan handoff row: %w", err)
		}
		var task schemas.AutomationTask
		if err := json.Unmarshal([]byte(value), &task); err != nil {
			s.log.Warn("Skipping undecodable handoff entry",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if task.TaskID == "" {
			s.log.Warn("Skipping handoff entry without task id", zap.String("key", key))
			continue
		}
		return &task, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during handoff row iteration: %w", err)
	}
	return nil, nil
}

func (s *PGStore) Delete(ctx context.Context, task schemas.AutomationTask) error {
	if _, err := s.pool.Exec(ctx, sqlDeleteEntry, taskKey(task)); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *PGStore) SetBaseURL(ctx context.Context, url string) error {
	if _, err := s.pool.Exec(ctx, sqlUpsertEntry, baseURLKey, url); err != nil {
		return fmt.Errorf("failed to persist base URL: %w", err)
	}
	return nil
}

func (s *PGStore) BaseURL(ctx context.Context) (string, bool, error) {
	rows, err := s.pool.Query(ctx, sqlSelectEntry, baseURLKey)
	if err != nil {
		return "", false, fmt.Errorf("failed to query base URL: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var url string
	if err := rows.Scan(&url); err != nil {
		return "", false, fmt.Errorf("failed to scan base URL: %w", err)
	}
	return url, url != "", rows.Err()
}
