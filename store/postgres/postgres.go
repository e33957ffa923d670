// Package postgres implements refcache.Backend on PostgreSQL, for
// deployments that want cached entries shared across processes and already
// run Postgres.
//
// Backend accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close on the backend
// is a no-op for the pool itself.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/refcache"
)

// BackendOption configures a PostgreSQL Backend.
type BackendOption func(*Backend)

// WithLogger sets a structured logger for the backend.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithTable overrides the table name. Default: "refcache_entries".
func WithTable(name string) BackendOption {
	return func(b *Backend) {
		if name != "" {
			b.table = name
		}
	}
}

// Backend implements refcache.Backend backed by one PostgreSQL table.
// Expiration is enforced in the WHERE clause; PurgeExpired reclaims rows.
type Backend struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
	now    func() time.Time
}

var _ refcache.Backend = (*Backend)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Backend using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...BackendOption) *Backend {
	b := &Backend{
		pool:   pool,
		table:  "refcache_entries",
		logger: nopLogger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init creates the entries table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (b *Backend) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value_json JSONB NOT NULL,
			namespace TEXT NOT NULL,
			policy_json JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			metadata_json JSONB
		)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_namespace_idx ON %s(namespace)`, b.table, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_idx ON %s(expires_at)`, b.table, b.table),
	}
	for _, stmt := range stmts {
		if _, err := b.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	b.logger.Info("postgres: init completed", "table", b.table)
	return nil
}

// Get returns the entry iff present and unexpired.
func (b *Backend) Get(ctx context.Context, key string) (*refcache.Entry, error) {
	start := time.Now()
	row := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT value_json, namespace, policy_json, created_at, expires_at, metadata_json
		 FROM %s
		 WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`, b.table),
		key, b.now().Unix(),
	)

	var valueJSON, policyJSON []byte
	var metaJSON []byte
	var e refcache.Entry
	err := row.Scan(&valueJSON, &e.Namespace, &policyJSON, &e.CreatedAt, &e.ExpiresAt, &metaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		b.logger.Error("postgres: get failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if err := json.Unmarshal(valueJSON, &e.Value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if err := json.Unmarshal(policyJSON, &e.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Metadata)
	}
	b.logger.Debug("postgres: get ok", "key", key, "duration", time.Since(start))
	return &e, nil
}

// Set inserts or replaces the entry under key.
func (b *Backend) Set(ctx context.Context, key string, e refcache.Entry) error {
	start := time.Now()
	valueJSON, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	policyJSON, err := json.Marshal(e.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	var metaJSON []byte
	if len(e.Metadata) > 0 {
		metaJSON, _ = json.Marshal(e.Metadata)
	}

	_, err = b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value_json, namespace, policy_json, created_at, expires_at, metadata_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET
			value_json = EXCLUDED.value_json,
			namespace = EXCLUDED.namespace,
			policy_json = EXCLUDED.policy_json,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			metadata_json = EXCLUDED.metadata_json`, b.table),
		key, valueJSON, e.Namespace, policyJSON, e.CreatedAt, e.ExpiresAt, metaJSON,
	)
	if err != nil {
		b.logger.Error("postgres: set failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set entry: %w", err)
	}
	b.logger.Debug("postgres: set ok", "key", key, "namespace", e.Namespace, "duration", time.Since(start))
	return nil
}

// Delete removes the entry. Reports whether a row was removed.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, b.table), key)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Exists reports whether an unexpired entry is stored under key.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	row := b.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT 1 FROM %s WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`, b.table),
		key, b.now().Unix(),
	)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// Clear removes all entries, or only those in namespace when given.
func (b *Backend) Clear(ctx context.Context, namespace string) (int, error) {
	var tag pgconn.CommandTag
	var err error
	if namespace == "" {
		tag, err = b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table))
	} else {
		tag, err = b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, b.table), namespace)
	}
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	n := int(tag.RowsAffected())
	b.logger.Info("postgres: clear", "namespace", namespace, "removed", n)
	return n, nil
}

// Keys lists unexpired keys, filtered by namespace when given.
func (b *Backend) Keys(ctx context.Context, namespace string) ([]string, error) {
	var rows pgx.Rows
	var err error
	now := b.now().Unix()
	if namespace == "" {
		rows, err = b.pool.Query(ctx, fmt.Sprintf(
			`SELECT key FROM %s WHERE expires_at = 0 OR expires_at > $1 ORDER BY key`, b.table), now)
	} else {
		rows, err = b.pool.Query(ctx, fmt.Sprintf(
			`SELECT key FROM %s WHERE namespace = $1 AND (expires_at = 0 OR expires_at > $2) ORDER BY key`, b.table),
			namespace, now)
	}
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes rows whose TTL has lapsed.
func (b *Backend) PurgeExpired(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= $1`, b.table), b.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op: the pool is owned by the caller.
func (b *Backend) Close() error { return nil }
