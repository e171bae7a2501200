package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists task records in Postgres so tasks survive a
// process restart. The forward-only transition guard runs inside the
// UPDATE so concurrent writers cannot race a record into an illegal move.
type PostgresStore struct {
	pool *pgxpool.Pool

	timeFunc func() time.Time
}

// NewPostgresStore connects a store to an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:     pool,
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// OpenPostgresStore dials dsn, pings, and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("task: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("task: ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tasks table and its status index if missing.
// The status index keeps stop-all enumeration and capacity checks cheap.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    status      TEXT NOT NULL,
    payload     JSONB NOT NULL,
    result      JSONB,
    error_code  TEXT,
    error_msg   TEXT,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    started_at  TIMESTAMPTZ,
    ended_at    TIMESTAMPTZ,
    seq         BIGINT GENERATED ALWAYS AS IDENTITY
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("task: ensure schema: %w", err)
	}
	return nil
}

const taskColumns = `id, kind, status, payload, result, error_code, error_msg, created_at, updated_at, started_at, ended_at`

func scanTask(row pgx.Row) (Task, error) {
	var (
		t        Task
		kind     string
		status   string
		errCode  *string
		errMsg   *string
		started  *time.Time
		ended    *time.Time
		payload  []byte
		result   []byte
	)
	if err := row.Scan(&t.ID, &kind, &status, &payload, &result, &errCode, &errMsg,
		&t.CreatedAt, &t.UpdatedAt, &started, &ended); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: scan: %w", err)
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.StartedAt = started
	t.EndedAt = ended
	if len(payload) > 0 {
		if err := unmarshalPayload(payload, &t.Payload); err != nil {
			return Task{}, err
		}
	}
	if len(result) > 0 {
		t.Result = result
	}
	if errCode != nil {
		t.Error = &Failure{Code: *errCode}
		if errMsg != nil {
			t.Error.Message = *errMsg
		}
	}
	return t, nil
}

func (s *PostgresStore) Create(ctx context.Context, kind Kind, payload Payload) (Task, error) {
	now := s.timeFunc()
	t := Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return Task{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, kind, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, string(kind), string(StatusPending), body, now, now)
	if err != nil {
		return Task{}, fmt.Errorf("task: insert: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transition(ctx context.Context, id string, status Status, result []byte, failure *Failure) (Task, error) {
	now := s.timeFunc()

	var errCode, errMsg *string
	if failure != nil {
		errCode = &failure.Code
		errMsg = &failure.Message
	}
	var resultBody []byte
	if status == StatusCompleted {
		resultBody = result
	}

	// The legal source states for each target status are enforced in the
	// WHERE clause; zero rows updated means either missing or illegal.
	row := s.pool.QueryRow(ctx, `
UPDATE tasks SET
    status     = $2,
    updated_at = $3,
    started_at = CASE WHEN $2 = 'running' THEN $3 ELSE started_at END,
    ended_at   = CASE WHEN $2 IN ('completed', 'failed', 'stopped') THEN $3 ELSE ended_at END,
    result     = CASE WHEN $2 = 'completed' THEN $4::jsonb ELSE result END,
    error_code = CASE WHEN $2 = 'failed' THEN $5 ELSE error_code END,
    error_msg  = CASE WHEN $2 = 'failed' THEN $6 ELSE error_msg END
WHERE id = $1
  AND (
        ($2 = 'running'   AND status = 'pending') OR
        ($2 = 'completed' AND status = 'running') OR
        ($2 = 'failed'    AND status = 'running') OR
        ($2 = 'stopped'   AND status IN ('pending', 'running'))
      )
RETURNING `+taskColumns,
		id, string(status), now, resultBody, errCode, errMsg)

	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Task{}, err
	}

	// Disambiguate missing vs illegal transition.
	current, gerr := s.Get(ctx, id)
	if gerr != nil {
		return Task{}, gerr
	}
	return Task{}, InvalidTransitionError(current.Status, status)
}

// Sweep removes terminal tasks whose last update is older than the
// retention window. Returns the number of rows removed.
func (s *PostgresStore) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.timeFunc().Add(-retention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE status IN ('completed', 'failed', 'stopped') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("task: sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tasks WHERE id = $1 AND status IN ('completed', 'failed', 'stopped')`, id)
	if err != nil {
		return fmt.Errorf("task: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return ErrNotTerminal
	}
	return nil
}
