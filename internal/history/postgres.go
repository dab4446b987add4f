package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time assertion that PostgresStore satisfies the Store interface.
var _ Store = (*PostgresStore)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    transcript  TEXT         NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL,
    finished_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_finished_at
    ON conversation_turns (finished_at DESC);
`

// PostgresStore is a [Store] backed by a conversation_turns table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the conversation_turns table if it does not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("history: create conversation_turns: %w", err)
	}
	return nil
}

// Record implements [Store.Record]. Recording the same id twice keeps the
// first row.
func (s *PostgresStore) Record(ctx context.Context, turn Turn) error {
	if turn.ID == "" {
		return ErrInvalidTurn
	}
	const q = `
		INSERT INTO conversation_turns (id, session_id, transcript, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.SessionID,
		turn.Transcript,
		turn.StartedAt,
		turn.FinishedAt,
	); err != nil {
		return fmt.Errorf("history: record turn: %w", err)
	}
	return nil
}

// Recent implements [Store.Recent].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	const q = `
		SELECT id, session_id, transcript, started_at, finished_at
		FROM   conversation_turns
		ORDER  BY finished_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.ID, &t.SessionID, &t.Transcript, &t.StartedAt, &t.FinishedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store.Close].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
