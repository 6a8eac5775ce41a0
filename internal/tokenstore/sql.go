package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Dialect selects placeholder style and upsert syntax for SQLBackend.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// SQLBackend persists credentials in the portal_tokens table (one row per
// storage key).
type SQLBackend struct {
	DB      *sql.DB
	dialect Dialect
}

// NewSQLBackend returns a backend for db and creates the table when missing.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLBackend, error) {
	var ddl string
	switch dialect {
	case MySQL:
		ddl = `CREATE TABLE IF NOT EXISTS portal_tokens (
	storage_key VARCHAR(191) NOT NULL PRIMARY KEY,
	token TEXT NOT NULL,
	updated_at DATETIME NOT NULL
)`
	case Postgres:
		ddl = `CREATE TABLE IF NOT EXISTS portal_tokens (
	storage_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create portal_tokens: %w", err)
	}
	return &SQLBackend{DB: db, dialect: dialect}, nil
}

// Get returns the token stored under key.
func (b *SQLBackend) Get(ctx context.Context, key string) (string, error) {
	var token string
	err := b.DB.QueryRowContext(ctx,
		b.bind("SELECT token FROM portal_tokens WHERE storage_key=? LIMIT 1"),
		key).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// Set inserts or replaces the token row.
func (b *SQLBackend) Set(ctx context.Context, key, value string) error {
	q := "INSERT INTO portal_tokens (storage_key, token, updated_at) VALUES (?,?,?) " +
		"ON DUPLICATE KEY UPDATE token=VALUES(token), updated_at=VALUES(updated_at)"
	if b.dialect == Postgres {
		q = "INSERT INTO portal_tokens (storage_key, token, updated_at) VALUES ($1,$2,$3) " +
			"ON CONFLICT (storage_key) DO UPDATE SET token=EXCLUDED.token, updated_at=EXCLUDED.updated_at"
	}
	_, err := b.DB.ExecContext(ctx, q, key, value, time.Now().UTC())
	return err
}

// Delete removes the token row.
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := b.DB.ExecContext(ctx, b.bind("DELETE FROM portal_tokens WHERE storage_key=?"), key)
	return err
}

// bind rewrites ? placeholders to $n for postgres.
func (b *SQLBackend) bind(q string) string {
	if b.dialect != Postgres {
		return q
	}
	out := make([]byte, 0, len(q)+4)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, '$')
			out = append(out, strconv.Itoa(n)...)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}
