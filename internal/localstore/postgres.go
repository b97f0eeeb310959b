package localstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freshbazaar/cart-engine/internal/model"
)

// PostgresStore persists guest carts in PostgreSQL, one JSONB row per
// session. Used by kiosk deployments where guest carts must survive process
// restarts. Prices round-trip through decimal's JSON encoding, so NUMERIC
// precision is preserved.
type PostgresStore struct {
	pool      *pgxpool.Pool
	sessionID string
}

// Schema is the DDL for the guest cart table.
const Schema = `
CREATE TABLE IF NOT EXISTS guest_carts (
    session_id TEXT PRIMARY KEY,
    lines      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// NewPostgresStore creates a PostgreSQL-backed store for the given session.
func NewPostgresStore(pool *pgxpool.Pool, sessionID string) *PostgresStore {
	return &PostgresStore{pool: pool, sessionID: sessionID}
}

func (s *PostgresStore) Load(ctx context.Context) ([]model.Line, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT lines FROM guest_carts WHERE session_id = $1`, s.sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var lines []model.Line
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, nil
	}
	return lines, nil
}

func (s *PostgresStore) Save(ctx context.Context, lines []model.Line) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO guest_carts (session_id, lines, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (session_id) DO UPDATE
		 SET lines = EXCLUDED.lines, updated_at = NOW()`,
		s.sessionID, data)
	return err
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM guest_carts WHERE session_id = $1`, s.sessionID)
	return err
}
