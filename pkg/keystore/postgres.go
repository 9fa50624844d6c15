package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// PGBackend stores entries in a PostgreSQL table.
type PGBackend struct {
	pool *pgxpool.Pool
}

// NewPGBackend connects to databaseURL and creates the table if needed.
func NewPGBackend(ctx context.Context, databaseURL string) (*PGBackend, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	b := &PGBackend{pool: pool}
	if err := b.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return b, nil
}

func (b *PGBackend) migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS crypto_keys (
			version    BIGINT PRIMARY KEY,
			entry      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (b *PGBackend) Name() string { return "postgres" }

func (b *PGBackend) Save(ctx context.Context, entry *KeyEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal key entry: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO crypto_keys (version, entry, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (version) DO UPDATE SET entry = EXCLUDED.entry, updated_at = now()
	`, int64(entry.Metadata.Version), string(data))
	if err != nil {
		return fmt.Errorf("failed to save key entry: %w", err)
	}
	return nil
}

func (b *PGBackend) LoadAll(ctx context.Context) ([]*KeyEntry, error) {
	rows, err := b.pool.Query(ctx, `SELECT version, entry FROM crypto_keys ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var entries []*KeyEntry
	for rows.Next() {
		var (
			version int64
			data    []byte
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan key row: %w", err)
		}
		entry, err := decodeEntry(fmt.Sprintf("row %d", version), data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}
	return entries, nil
}

func (b *PGBackend) Delete(ctx context.Context, version keyversion.KeyVersion) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM crypto_keys WHERE version = $1`, int64(version)); err != nil {
		return fmt.Errorf("failed to delete key entry: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (b *PGBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *PGBackend) Close() error {
	b.pool.Close()
	return nil
}
