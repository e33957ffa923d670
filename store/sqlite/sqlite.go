// Package sqlite implements refcache.Backend on a local SQLite file using
// the pure-Go driver. Zero CGO required. WAL mode gives one-writer,
// many-readers concurrency; expiration is enforced in the WHERE clause so
// expired entries are invisible the instant they lapse.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/refcache"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// BackendOption configures a SQLite Backend.
type BackendOption func(*Backend)

// WithLogger sets a structured logger for the backend.
// When set, the backend emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// Backend implements refcache.Backend backed by a local SQLite file.
// Entry values, policies, and metadata are stored as JSON text.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ refcache.Backend = (*Backend)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// DefaultPath resolves the database file location: MCP_REFCACHE_DB_PATH,
// then $XDG_CACHE_HOME/mcp-refcache/cache.db, then ~/.cache/mcp-refcache/cache.db.
func DefaultPath() string {
	if p := os.Getenv("MCP_REFCACHE_DB_PATH"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "cache.db"
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "mcp-refcache", "cache.db")
}

// New creates a Backend at dbPath, resolving an empty path via DefaultPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...BackendOption) *Backend {
	if dbPath == "" {
		dbPath = DefaultPath()
	}
	_ = os.MkdirAll(filepath.Dir(dbPath), 0o755)

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	b := &Backend{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	b.logger.Debug("sqlite: backend opened", "path", dbPath)
	return b
}

// Init creates the entries table and its indexes.
func (b *Backend) Init(ctx context.Context) error {
	start := time.Now()
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value_json TEXT NOT NULL,
		namespace TEXT NOT NULL,
		policy_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		metadata_json TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace)`)
	_, _ = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at)`)
	b.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Get returns the entry iff present and unexpired.
func (b *Backend) Get(ctx context.Context, key string) (*refcache.Entry, error) {
	start := time.Now()
	row := b.db.QueryRowContext(ctx,
		`SELECT value_json, namespace, policy_json, created_at, expires_at, metadata_json
		 FROM entries
		 WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, b.now().Unix(),
	)

	var valueJSON, policyJSON string
	var metaJSON sql.NullString
	var e refcache.Entry
	err := row.Scan(&valueJSON, &e.Namespace, &policyJSON, &e.CreatedAt, &e.ExpiresAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		b.logger.Error("sqlite: get failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get entry: %w", err)
	}
	if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if err := json.Unmarshal([]byte(policyJSON), &e.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
	}
	b.logger.Debug("sqlite: get ok", "key", key, "duration", time.Since(start))
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
	var metaJSON *string
	if len(e.Metadata) > 0 {
		data, _ := json.Marshal(e.Metadata)
		v := string(data)
		metaJSON = &v
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (key, value_json, namespace, policy_json, created_at, expires_at, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, string(valueJSON), e.Namespace, string(policyJSON), e.CreatedAt, e.ExpiresAt, metaJSON,
	)
	if err != nil {
		b.logger.Error("sqlite: set failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set entry: %w", err)
	}
	b.logger.Debug("sqlite: set ok", "key", key, "namespace", e.Namespace, "duration", time.Since(start))
	return nil
}

// Delete removes the entry. Reports whether a row was removed.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	b.logger.Debug("sqlite: delete", "key", key, "removed", n > 0)
	return n > 0, nil
}

// Exists reports whether an unexpired entry is stored under key.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, b.now().Unix(),
	)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

// Clear removes all entries, or only those in namespace when given.
func (b *Backend) Clear(ctx context.Context, namespace string) (int, error) {
	start := time.Now()
	var res sql.Result
	var err error
	if namespace == "" {
		res, err = b.db.ExecContext(ctx, `DELETE FROM entries`)
	} else {
		res, err = b.db.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ?`, namespace)
	}
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}
	b.logger.Info("sqlite: clear", "namespace", namespace, "removed", n, "duration", time.Since(start))
	return int(n), nil
}

// Keys lists unexpired keys, filtered by namespace when given.
func (b *Backend) Keys(ctx context.Context, namespace string) ([]string, error) {
	var rows *sql.Rows
	var err error
	now := b.now().Unix()
	if namespace == "" {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key FROM entries WHERE expires_at = 0 OR expires_at > ? ORDER BY key`, now)
	} else {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key FROM entries WHERE namespace = ? AND (expires_at = 0 OR expires_at > ?) ORDER BY key`,
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

// PurgeExpired deletes rows whose TTL has lapsed. The WHERE-clause check
// already hides them from reads; this reclaims the disk space.
func (b *Backend) PurgeExpired(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM entries WHERE expires_at > 0 AND expires_at <= ?`, b.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	if n > 0 {
		b.logger.Debug("sqlite: purged expired entries", "removed", n)
	}
	return int(n), nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	b.logger.Debug("sqlite: backend closed")
	return b.db.Close()
}
