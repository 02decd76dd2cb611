// Package dlqstore archives dead letters to Postgres so operators can
// browse, requeue, and purge failed tasks after the broker queue is drained.
package dlqstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/taskbus/internal/task"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("dead letter entry not found")

// Entry is one archived dead letter.
type Entry struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	Queue      string          `json:"queue"`
	Reason     string          `json:"reason"`
	Attempt    int             `json:"attempt"`
	LastError  string          `json:"last_error,omitempty"`
	Task       json.RawMessage `json:"task"`
	Status     string          `json:"status"` // received | requeued
	CreatedAt  time.Time       `json:"created_at"`
	RequeuedAt *time.Time      `json:"requeued_at,omitempty"`
}

const schema = `
CREATE SCHEMA IF NOT EXISTS taskbus;
CREATE TABLE IF NOT EXISTS taskbus.dead_letters (
	id          BIGSERIAL PRIMARY KEY,
	task_id     TEXT        NOT NULL,
	queue       TEXT        NOT NULL,
	reason      TEXT        NOT NULL,
	attempt     INT         NOT NULL,
	last_error  TEXT        NOT NULL DEFAULT '',
	task        JSONB       NOT NULL,
	status      TEXT        NOT NULL DEFAULT 'received',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	requeued_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON taskbus.dead_letters(queue, created_at DESC);
`

// Connect establishes a connection pool to the archive database
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the archive schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Archive persists a dead letter and returns its archive id.
func (s *Store) Archive(ctx context.Context, d task.DeadLetter) (int64, error) {
	taskJSON, err := json.Marshal(d.Task)
	if err != nil {
		return 0, fmt.Errorf("encode task %s: %w", d.Task.ID, err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO taskbus.dead_letters(task_id, queue, reason, attempt, last_error, task)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id`,
		d.Task.ID, d.Queue, d.Reason, d.Attempt, d.LastError, string(taskJSON),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("archive dead letter for task %s: %w", d.Task.ID, err)
	}
	return id, nil
}

// List returns the newest entries, optionally filtered by origin queue.
func (s *Store) List(ctx context.Context, queue string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	args := []any{limit}
	where := "1=1"
	if queue != "" {
		where = "queue = $2"
		args = append(args, queue)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, task_id, queue, reason, attempt, last_error, task::text, status, created_at, requeued_at
		FROM taskbus.dead_letters
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $1`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get fetches one entry by archive id.
func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, queue, reason, attempt, last_error, task::text, status, created_at, requeued_at
		FROM taskbus.dead_letters
		WHERE id = $1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// MarkRequeued flags an entry as re-published to its work queue.
func (s *Store) MarkRequeued(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE taskbus.dead_letters
		SET status = 'requeued', requeued_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry from the archive.
func (s *Store) Delete(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM taskbus.dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var taskJSON string
	if err := row.Scan(&e.ID, &e.TaskID, &e.Queue, &e.Reason, &e.Attempt, &e.LastError,
		&taskJSON, &e.Status, &e.CreatedAt, &e.RequeuedAt); err != nil {
		return Entry{}, err
	}
	e.Task = json.RawMessage(taskJSON)
	return e, nil
}
