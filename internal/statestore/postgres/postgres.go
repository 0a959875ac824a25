// Package postgres implements statestore.Store on a single jsonb table,
// adapted from the control plane's pgxpool connection wrapper.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a pgxpool-backed statestore.Store over a kv_store table keyed by
// (collection, key).
type Store struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS kv_store (
	collection text NOT NULL,
	key        text NOT NULL,
	value      jsonb NOT NULL,
	PRIMARY KEY (collection, key)
)`

// New connects to uri (a postgres:// DSN), ensures the backing table exists,
// and returns a ready Store.
func New(ctx context.Context, uri string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("statestore/postgres: parse config: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("statestore/postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore/postgres: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("statestore/postgres: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO kv_store (collection, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO UPDATE SET value = EXCLUDED.value
	`, collection, key, data)
	return err
}

func (s *Store) Get(ctx context.Context, collection, key string, dest any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE collection = $1 AND key = $2`, collection, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetAll(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM kv_store WHERE collection = $1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		out[key] = raw
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_store WHERE collection = $1 AND key = $2`, collection, key)
	return err
}
