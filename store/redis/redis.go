// Package redis implements refcache.Backend on a Redis-compatible
// key-value service via go-redis, for caches shared across server
// processes.
//
// Each entry is stored as one JSON blob at "<prefix>:entry:<key>", with the
// service's native TTL derived from the entry's expiry (minimum one
// second). Keys and Clear SCAN the prefix and filter by the namespace
// embedded in the decoded value; both are O(N) in stored entries, which is
// acceptable for typical cache sizes.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nevindra/refcache"
)

// BackendOption configures a Redis Backend.
type BackendOption func(*Backend)

// WithLogger sets a structured logger for the backend.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// WithPrefix overrides the key prefix. Default: "refcache".
func WithPrefix(prefix string) BackendOption {
	return func(b *Backend) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithClient injects an externally-owned client, bypassing URL and
// environment resolution. The caller closes it.
func WithClient(c redis.UniversalClient) BackendOption {
	return func(b *Backend) {
		b.client = c
		b.ownsClient = false
	}
}

// Backend implements refcache.Backend on a Redis-compatible service.
type Backend struct {
	client     redis.UniversalClient
	prefix     string
	logger     *slog.Logger
	ownsClient bool
	now        func() time.Time
}

var _ refcache.Backend = (*Backend)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Backend. Connection parameters resolve as: explicit url
// argument, then REDIS_URL, then REDIS_HOST / REDIS_PORT / REDIS_DB /
// REDIS_PASSWORD / REDIS_SSL. WithClient bypasses all of that.
func New(url string, opts ...BackendOption) (*Backend, error) {
	b := &Backend{
		prefix:     "refcache",
		logger:     nopLogger,
		ownsClient: true,
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.client == nil {
		client, err := dial(url)
		if err != nil {
			return nil, err
		}
		b.client = client
	}
	return b, nil
}

func dial(url string) (redis.UniversalClient, error) {
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		return redis.NewClient(opt), nil
	}

	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("redis: parse REDIS_DB: %w", err)
		}
		db = parsed
	}
	opt := &redis.Options{
		Addr:     host + ":" + port,
		DB:       db,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if ssl := os.Getenv("REDIS_SSL"); ssl == "true" || ssl == "1" {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opt), nil
}

// Ping verifies connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (b *Backend) entryKey(key string) string {
	return b.prefix + ":entry:" + key
}

// Get returns the entry iff present and unexpired. Native TTL usually
// evicts expired blobs; the decoded expiry is still checked for the window
// between lapse and eviction.
func (b *Backend) Get(ctx context.Context, key string) (*refcache.Entry, error) {
	start := time.Now()
	data, err := b.client.Get(ctx, b.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		b.logger.Error("redis: get failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var e refcache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if e.Expired(b.now()) {
		return nil, nil
	}
	b.logger.Debug("redis: get ok", "key", key, "duration", time.Since(start))
	return &e, nil
}

// Set stores the entry as one JSON blob, with the service TTL derived from
// its expiry (minimum one second).
func (b *Backend) Set(ctx context.Context, key string, e refcache.Entry) error {
	start := time.Now()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	var ttl time.Duration
	if e.ExpiresAt > 0 {
		ttl = time.Until(time.Unix(e.ExpiresAt, 0))
		if ttl < time.Second {
			ttl = time.Second
		}
	}
	if err := b.client.Set(ctx, b.entryKey(key), data, ttl).Err(); err != nil {
		b.logger.Error("redis: set failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set entry: %w", err)
	}
	b.logger.Debug("redis: set ok", "key", key, "namespace", e.Namespace, "ttl", ttl, "duration", time.Since(start))
	return nil
}

// Delete removes the entry. Reports whether a key was removed.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.entryKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether an unexpired entry is stored under key.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	e, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Clear removes all entries, or only those whose stored namespace matches.
// SCANs the prefix; O(N) in stored entries.
func (b *Backend) Clear(ctx context.Context, namespace string) (int, error) {
	start := time.Now()
	removed := 0
	err := b.scan(ctx, func(fullKey string) error {
		if namespace != "" {
			e, err := b.getRaw(ctx, fullKey)
			if err != nil || e == nil || e.Namespace != namespace {
				return err
			}
		}
		n, err := b.client.Del(ctx, fullKey).Result()
		if err != nil {
			return fmt.Errorf("delete %s: %w", fullKey, err)
		}
		removed += int(n)
		return nil
	})
	if err != nil {
		return removed, err
	}
	b.logger.Info("redis: clear", "namespace", namespace, "removed", removed, "duration", time.Since(start))
	return removed, nil
}

// Keys lists stored keys, filtered by the namespace embedded in the decoded
// value when given. SCANs the prefix; O(N) in stored entries.
func (b *Backend) Keys(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	stripLen := len(b.prefix) + len(":entry:")
	err := b.scan(ctx, func(fullKey string) error {
		if namespace != "" {
			e, err := b.getRaw(ctx, fullKey)
			if err != nil {
				return err
			}
			if e == nil || e.Namespace != namespace {
				return nil
			}
		}
		keys = append(keys, fullKey[stripLen:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// scan iterates every entry key under the prefix.
func (b *Backend) scan(ctx context.Context, fn func(fullKey string) error) error {
	iter := b.client.Scan(ctx, 0, b.prefix+":entry:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// getRaw fetches and decodes by full service key, without expiry filtering.
func (b *Backend) getRaw(ctx context.Context, fullKey string) (*refcache.Entry, error) {
	data, err := b.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fullKey, err)
	}
	var e refcache.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fullKey, err)
	}
	return &e, nil
}

// Close closes the client when this backend created it.
func (b *Backend) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}
