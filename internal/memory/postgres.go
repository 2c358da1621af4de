package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists task memory in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// InitSchema creates the memory table when missing.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_memory_entries (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			memory_item_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_memory_entries_task ON task_memory_entries (task_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init memory schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry.Text = strings.TrimSpace(entry.Text)
	if entry.Text == "" {
		return Entry{}, ErrEmptyEntry
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_memory_entries (id, task_id, memory_item_text, created_at) VALUES ($1, $2, $3, $4)`,
		entry.ID,
		entry.TaskID,
		entry.Text,
		entry.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append memory entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListByTasks(ctx context.Context, taskIDs []string) ([]Entry, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, memory_item_text, created_at
		 FROM task_memory_entries WHERE task_id = ANY($1) ORDER BY seq ASC`,
		taskIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
