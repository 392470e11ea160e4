package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagegate/stagegate/internal/api"
)

// PostgresStore backs the engine with Postgres.
//
// Schema:
//
//	CREATE TABLE stagegate_kv (
//	  key        TEXT PRIMARY KEY,
//	  value      BYTEA NOT NULL,
//	  expires_at TIMESTAMPTZ
//	);
//	CREATE TABLE stagegate_counters (
//	  key   TEXT NOT NULL,
//	  field TEXT NOT NULL,
//	  value DOUBLE PRECISION NOT NULL,
//	  PRIMARY KEY (key, field)
//	);
//
// Counter increments use UPSERT arithmetic so concurrent writers to the same
// (key, field) serialize on one row; Update serializes on the kv row via
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection, and creates the schema
// when missing.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres pool: %v", api.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres ping: %v", api.ErrStoreUnavailable, err)
	}

	ps := &PostgresStore{pool: pool}
	if err := ps.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return ps, nil
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stagegate_kv (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS stagegate_counters (
			key   TEXT NOT NULL,
			field TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (key, field)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: postgres schema: %v", api.ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM stagegate_kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: postgres select %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO stagegate_kv (key, value, expires_at) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: postgres upsert %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (p *PostgresStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	// First write wins; an expired row counts as absent.
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO stagegate_kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		 WHERE stagegate_kv.expires_at IS NOT NULL AND stagegate_kv.expires_at <= NOW()`,
		key, value, expiresAt)
	if err != nil {
		return false, fmt.Errorf("%w: postgres setnx %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM stagegate_kv WHERE key = $1`, key)
	batch.Queue(`DELETE FROM stagegate_counters WHERE key = $1`, key)
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: postgres delete %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (p *PostgresStore) IncrByFloat(ctx context.Context, key, field string, delta float64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO stagegate_counters (key, field, value) VALUES ($1, $2, $3)
		 ON CONFLICT (key, field) DO UPDATE SET value = stagegate_counters.value + EXCLUDED.value`,
		key, field, delta)
	if err != nil {
		return fmt.Errorf("%w: postgres increment %s.%s: %v", api.ErrStoreUnavailable, key, field, err)
	}
	return nil
}

func (p *PostgresStore) Fields(ctx context.Context, key string) (map[string]float64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT field, value FROM stagegate_counters WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres counters %s: %v", api.ErrStoreUnavailable, key, err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var field string
		var value float64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("%w: postgres counters %s: %v", api.ErrStoreUnavailable, key, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: postgres counters %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return out, nil
}

func (p *PostgresStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: postgres begin: %v", api.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM stagegate_kv WHERE key = $1 FOR UPDATE`, key).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: postgres select for update %s: %v", api.ErrStoreUnavailable, key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO stagegate_kv (key, value, expires_at) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL`,
		key, next)
	if err != nil {
		return fmt.Errorf("%w: postgres upsert %s: %v", api.ErrStoreUnavailable, key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: postgres commit %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
