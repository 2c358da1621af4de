package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore persists the orchestration entities in PostgreSQL. Partial unique indexes back
// the single-working-thread, single-working-task and single-active-plan invariants.
//
// Thread locks live on their own pool: a lock holder still needs query connections while it
// runs, so sharing one pool lets lock holders starve themselves.
type PostgresStore struct {
	pool  *pgxpool.Pool
	locks *pgxpool.Pool
}

// DefaultLockConns bounds the threads that can be locked at once per process.
const DefaultLockConns = 32

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	return NewPostgresStoreFromConfig(ctx, cfg, DefaultLockConns)
}

// NewPostgresStoreFromConfig opens the query pool from cfg and a lock pool of lockConns
// connections to the same database.
func NewPostgresStoreFromConfig(ctx context.Context, cfg *pgxpool.Config, lockConns int32) (*PostgresStore, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	locks, err := pgxpool.NewWithConfig(ctx, lockPoolConfig(cfg, lockConns))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres lock pool: %w", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		locks.Close()
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, locks: locks}, nil
}

func lockPoolConfig(cfg *pgxpool.Config, lockConns int32) *pgxpool.Config {
	lc := cfg.Copy()
	if lockConns <= 0 {
		lockConns = DefaultLockConns
	}
	lc.MaxConns = lockConns
	lc.MinConns = 0
	return lc
}

// InitSchema creates the tables and indexes when missing.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_instruction TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads (user_id, status);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_threads_user_working ON threads (user_id) WHERE status = 'WORKING';`,
		`CREATE TABLE IF NOT EXISTS thread_tasks (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			task_text TEXT NOT NULL,
			status TEXT NOT NULL,
			background_mode BOOLEAN NOT NULL DEFAULT FALSE,
			extended_thinking_mode BOOLEAN NOT NULL DEFAULT FALSE,
			needs_memory_from_previous_tasks BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_tasks_thread ON thread_tasks (thread_id, seq DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_thread_tasks_working ON thread_tasks (thread_id) WHERE status = 'WORKING';`,
		`CREATE TABLE IF NOT EXISTS task_plans (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES thread_tasks(id),
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_task_plans_active ON task_plans (task_id) WHERE status = 'ACTIVE';`,
		`CREATE TABLE IF NOT EXISTS plan_subtasks (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES task_plans(id),
			subtask_text TEXT NOT NULL,
			subtask_type TEXT NOT NULL,
			ordering INTEGER NOT NULL,
			status TEXT NOT NULL,
			UNIQUE (plan_id, ordering)
		);`,
		`CREATE TABLE IF NOT EXISTS thread_messages (
			seq BIGINT GENERATED ALWAYS AS IDENTITY,
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id),
			task_id TEXT NULL,
			subtask_id TEXT NULL,
			kind TEXT NOT NULL,
			origin TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			chain_of_thought TEXT NOT NULL DEFAULT '',
			screenshot TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_task_kind ON thread_messages (task_id, kind, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages (thread_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const (
	threadColumns  = `id, user_id, title, status, current_instruction, created_at`
	taskColumns    = `t.id, t.thread_id, t.task_text, t.status, t.background_mode, t.extended_thinking_mode, t.needs_memory_from_previous_tasks, t.created_at`
	subtaskColumns = `id, plan_id, subtask_text, subtask_type, ordering, status`
	messageColumns = `id, thread_id, task_id, subtask_id, kind, origin, text, prompt, chain_of_thought, screenshot, created_at`
)

func (s *PostgresStore) CreateThread(ctx context.Context, thread Thread) (Thread, error) {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.Status == "" {
		thread.Status = ThreadStatusStandby
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (`+threadColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		thread.ID, thread.UserID, thread.Title, string(thread.Status), thread.CurrentInstruction, thread.CreatedAt,
	)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, userID, threadID string) (Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id=$1 AND user_id=$2 AND status <> 'DELETED'`,
		strings.TrimSpace(threadID), userID,
	)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Thread{}, ErrNotFound
		}
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return thread, nil
}

func (s *PostgresStore) GetWorkingThread(ctx context.Context, userID, threadID string) (Thread, error) {
	thread, err := s.GetThread(ctx, userID, threadID)
	if err != nil {
		return Thread{}, err
	}
	if thread.Status != ThreadStatusWorking {
		return Thread{}, ErrNotFound
	}
	return thread, nil
}

func (s *PostgresStore) CountWorkingThreads(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM threads WHERE user_id=$1 AND status='WORKING'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count working threads: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) StartTask(ctx context.Context, userID string, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = TaskStatusWorking

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM threads WHERE id=$1 AND user_id=$2 FOR UPDATE`, task.ThreadID, userID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("lock thread: %w", err)
	}
	if ThreadStatus(status) == ThreadStatusDeleted {
		return Task{}, ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO thread_tasks (id, thread_id, task_text, status, background_mode, extended_thinking_mode,
			needs_memory_from_previous_tasks, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		task.ID, task.ThreadID, task.Text, string(task.Status), task.BackgroundMode,
		task.ExtendedThinkingMode, task.NeedsMemoryFromPreviousTasks, task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrWorkingThreadExists
		}
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE threads SET status='WORKING', current_instruction=$2 WHERE id=$1`, task.ThreadID, task.Text,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrWorkingThreadExists
		}
		return Task{}, fmt.Errorf("mark thread working: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return Task{}, ErrWorkingThreadExists
		}
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetWorkingTask(ctx context.Context, threadID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM thread_tasks t WHERE t.thread_id=$1 AND t.status='WORKING'`, threadID,
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get working task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) RecentTasks(ctx context.Context, userID string, q RecentTasksQuery) ([]Task, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+`
		   FROM thread_tasks t JOIN threads th ON th.id = t.thread_id
		  WHERE th.user_id=$1 AND th.status <> 'DELETED'
		    AND (NOT $2::boolean OR t.status <> 'WORKING')
		  ORDER BY t.seq DESC LIMIT $3`,
		userID, q.TerminalOnly, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, q.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetActivePlan(ctx context.Context, taskID string) (Plan, error) {
	var (
		plan   Plan
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, status, created_at FROM task_plans WHERE task_id=$1 AND status='ACTIVE'`, taskID,
	).Scan(&plan.ID, &plan.TaskID, &status, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plan{}, ErrNotFound
		}
		return Plan{}, fmt.Errorf("get active plan: %w", err)
	}
	plan.Status = PlanStatus(status)
	return plan, nil
}

func (s *PostgresStore) CreatePlan(ctx context.Context, taskID string, subtasks []Subtask) (Plan, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Plan{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taskStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM thread_tasks WHERE id=$1 FOR UPDATE`, taskID).Scan(&taskStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plan{}, false, ErrNotFound
		}
		return Plan{}, false, fmt.Errorf("lock task: %w", err)
	}

	var existing Plan
	var existingStatus string
	err = tx.QueryRow(ctx,
		`SELECT id, task_id, status, created_at FROM task_plans WHERE task_id=$1 AND status='ACTIVE'`, taskID,
	).Scan(&existing.ID, &existing.TaskID, &existingStatus, &existing.CreatedAt)
	switch {
	case err == nil:
		existing.Status = PlanStatus(existingStatus)
		return existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Plan{}, false, fmt.Errorf("get active plan: %w", err)
	}
	if TaskStatus(taskStatus) != TaskStatusWorking {
		return Plan{}, false, ErrStatusChanged
	}

	plan := Plan{ID: uuid.NewString(), TaskID: taskID, Status: PlanStatusActive, CreatedAt: time.Now().UTC()}
	if _, err := tx.Exec(ctx,
		`INSERT INTO task_plans (id, task_id, status, created_at) VALUES ($1,$2,$3,$4)`,
		plan.ID, plan.TaskID, string(plan.Status), plan.CreatedAt,
	); err != nil {
		return Plan{}, false, fmt.Errorf("insert plan: %w", err)
	}

	for i, st := range subtasks {
		subtaskType := st.Type
		if subtaskType == "" {
			subtaskType = SubtaskTypeDesktop
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO plan_subtasks (`+subtaskColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), plan.ID, st.Text, string(subtaskType), i+1, string(SubtaskStatusActive),
		); err != nil {
			return Plan{}, false, fmt.Errorf("insert subtask: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Plan{}, false, fmt.Errorf("commit tx: %w", err)
	}
	return plan, true, nil
}

func (s *PostgresStore) CurrentSubtask(ctx context.Context, planID string) (Subtask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subtaskColumns+` FROM plan_subtasks WHERE plan_id=$1 AND status='ACTIVE' ORDER BY ordering ASC LIMIT 1`,
		planID,
	)
	st, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subtask{}, ErrNotFound
		}
		return Subtask{}, fmt.Errorf("get current subtask: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListClosedSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.id, s.plan_id, s.subtask_text, s.subtask_type, s.ordering, s.status
		   FROM plan_subtasks s JOIN task_plans p ON p.id = s.plan_id
		  WHERE p.task_id=$1 AND s.status <> 'ACTIVE'
		  ORDER BY s.ordering ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list closed subtasks: %w", err)
	}
	defer rows.Close()

	var out []Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtask rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CompleteSubtask(ctx context.Context, subtaskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plan_subtasks SET status='COMPLETED' WHERE id=$1 AND status='ACTIVE'`, subtaskID,
	)
	if err != nil {
		return fmt.Errorf("complete subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrChanged(ctx, `SELECT 1 FROM plan_subtasks WHERE id=$1`, subtaskID)
	}
	return nil
}

func (s *PostgresStore) FinishTask(ctx context.Context, f Finish) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE thread_tasks SET status=$2 WHERE id=$1 AND status='WORKING'`, f.TaskID, string(f.Status),
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrChanged(ctx, `SELECT 1 FROM thread_tasks WHERE id=$1`, f.TaskID)
	}
	if f.PlanID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE task_plans SET status=$2 WHERE id=$1 AND status='ACTIVE'`, f.PlanID, string(planStatusFor(f.Status)),
		); err != nil {
			return fmt.Errorf("finish plan: %w", err)
		}
	}
	if f.SubtaskID != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE plan_subtasks SET status=$2 WHERE id=$1 AND status='ACTIVE'`, f.SubtaskID, string(subtaskStatusFor(f.Status)),
		); err != nil {
			return fmt.Errorf("finish subtask: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE threads SET status='STANDBY' WHERE id=$1 AND status='WORKING'`, f.ThreadID,
	); err != nil {
		return fmt.Errorf("release thread: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelTask(ctx context.Context, threadID string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE threads SET status='STANDBY' WHERE id=$1 AND status='WORKING'`, threadID); err != nil {
		return Task{}, fmt.Errorf("release thread: %w", err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM thread_tasks t WHERE t.thread_id=$1 AND t.status='WORKING' FOR UPDATE`, threadID,
	)
	task, err := scanTask(row)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("lock working task: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Task{}, fmt.Errorf("commit tx: %w", err)
		}
		return Task{}, nil
	}

	stmts := []string{
		`UPDATE plan_subtasks SET status='CANCELED'
		  WHERE status='ACTIVE' AND plan_id IN (SELECT id FROM task_plans WHERE task_id=$1)`,
		`UPDATE task_plans SET status='CANCELED' WHERE task_id=$1 AND status='ACTIVE'`,
		`UPDATE thread_tasks SET status='CANCELED' WHERE id=$1 AND status='WORKING'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, task.ID); err != nil {
			return Task{}, fmt.Errorf("cancel task: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("commit tx: %w", err)
	}
	task.Status = TaskStatusCanceled
	return task, nil
}

func (s *PostgresStore) CancelAll(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const workingTasks = `SELECT t.id FROM thread_tasks t JOIN threads th ON th.id = t.thread_id
		WHERE th.user_id=$1 AND t.status='WORKING'`
	stmts := []string{
		`UPDATE plan_subtasks SET status='CANCELED' WHERE status='ACTIVE'
		   AND plan_id IN (SELECT id FROM task_plans WHERE task_id IN (` + workingTasks + `))`,
		`UPDATE task_plans SET status='CANCELED' WHERE status='ACTIVE' AND task_id IN (` + workingTasks + `)`,
		`UPDATE thread_tasks SET status='CANCELED' WHERE id IN (` + workingTasks + `)`,
		`UPDATE threads SET status='STANDBY' WHERE user_id=$1 AND status='WORKING'`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, userID); err != nil {
			return fmt.Errorf("cancel all: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO thread_messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		msg.ID, msg.ThreadID, nullable(msg.TaskID), nullable(msg.SubtaskID), string(msg.Kind), string(msg.Origin),
		msg.Text, msg.Prompt, msg.ChainOfThought, msg.Screenshot, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, taskID string, kind MessageKind, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM thread_messages WHERE task_id=$1 AND kind=$2 ORDER BY seq DESC LIMIT $3`,
		taskID, string(kind), limit,
	)
}

func (s *PostgresStore) ListThreadMessages(ctx context.Context, userID, threadID string) ([]Message, error) {
	var owned bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM threads WHERE id=$1 AND user_id=$2)`, threadID, userID,
	).Scan(&owned)
	if err != nil {
		return nil, fmt.Errorf("check thread owner: %w", err)
	}
	if !owned {
		return nil, ErrNotFound
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM thread_messages WHERE thread_id=$1 ORDER BY seq ASC`, threadID,
	)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg       Message
			taskID    *string
			subtaskID *string
			kind      string
			origin    string
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &taskID, &subtaskID, &kind, &origin,
			&msg.Text, &msg.Prompt, &msg.ChainOfThought, &msg.Screenshot, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if taskID != nil {
			msg.TaskID = *taskID
		}
		if subtaskID != nil {
			msg.SubtaskID = *subtaskID
		}
		msg.Kind = MessageKind(kind)
		msg.Origin = MessageOrigin(origin)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// LockThread takes a session-level advisory lock on a lock-pool connection so that step
// execution for a thread is serialised across processes. Query methods never touch the lock
// pool, so a holder can always make progress.
func (s *PostgresStore) LockThread(ctx context.Context, threadID string) (func(), error) {
	conn, err := s.locks.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, threadID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, threadID); err != nil {
				// A session lock must not leak back into the pool.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}

func (s *PostgresStore) missingOrChanged(ctx context.Context, query, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, query, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check record: %w", err)
	}
	return ErrStatusChanged
}

func (s *PostgresStore) Close() error {
	s.locks.Close()
	s.pool.Close()
	return nil
}

func scanThread(row pgx.Row) (Thread, error) {
	var (
		thread Thread
		status string
	)
	if err := row.Scan(&thread.ID, &thread.UserID, &thread.Title, &status, &thread.CurrentInstruction, &thread.CreatedAt); err != nil {
		return Thread{}, err
	}
	thread.Status = ThreadStatus(status)
	return thread, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
	)
	if err := row.Scan(
		&task.ID,
		&task.ThreadID,
		&task.Text,
		&status,
		&task.BackgroundMode,
		&task.ExtendedThinkingMode,
		&task.NeedsMemoryFromPreviousTasks,
		&task.CreatedAt,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	return task, nil
}

func scanSubtask(row pgx.Row) (Subtask, error) {
	var (
		st          Subtask
		subtaskType string
		status      string
	)
	if err := row.Scan(&st.ID, &st.PlanID, &st.Text, &subtaskType, &st.Ordering, &status); err != nil {
		return Subtask{}, err
	}
	st.Type = SubtaskType(subtaskType)
	st.Status = SubtaskStatus(status)
	return st, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
