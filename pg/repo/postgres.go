package repo

import (
	"context"
	"errors"
	"fmt"

	"fleetdesk.com/session/pg/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists credential-store entries per profile. It
// satisfies store.Backend.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	profile string
}

// NewPostgresBackend scopes all reads and writes to profile.
func NewPostgresBackend(pool *pgxpool.Pool, profile string) *PostgresBackend {
	if profile == "" {
		profile = "default"
	}
	return &PostgresBackend{pool: pool, profile: profile}
}

// Connect opens a pool for dsn and makes sure the table exists.
func Connect(ctx context.Context, dsn, profile string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgresBackend(pool, profile)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the credential table if needed.
func (p *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, model.CredentialSchema); err != nil {
		return fmt.Errorf("create credential schema: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	query := `SELECT value FROM session_credential WHERE profile = $1 AND key = $2`

	err := p.pool.QueryRow(ctx, query, p.profile, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get credential %s: %w", key, err)
	}
	return value, true, nil
}

// SetMany upserts every pair inside one transaction.
func (p *PostgresBackend) SetMany(ctx context.Context, values map[string]string) error {
	query := `
		INSERT INTO session_credential (profile, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for k, v := range values {
			if _, err := tx.Exec(ctx, query, p.profile, k, v); err != nil {
				return fmt.Errorf("set credential %s: %w", k, err)
			}
		}
		return nil
	})
}

func (p *PostgresBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query := `DELETE FROM session_credential WHERE profile = $1 AND key = ANY($2)`
	if _, err := p.pool.Exec(ctx, query, p.profile, keys); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// Entries lists the stored entries of the profile, values included.
func (p *PostgresBackend) Entries(ctx context.Context) ([]model.CredentialEntry, error) {
	query := `SELECT profile, key, value, updated_at FROM session_credential WHERE profile = $1 ORDER BY key`
	rows, err := p.pool.Query(ctx, query, p.profile)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[model.CredentialEntry])
}

// Close releases the pool.
func (p *PostgresBackend) Close() {
	p.pool.Close()
}
