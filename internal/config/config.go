package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Cache    CacheConfig    `toml:"cache"`
	Backend  BackendConfig  `toml:"backend"`
	Tasks    TasksConfig    `toml:"tasks"`
	Server   ServerConfig   `toml:"server"`
	Observer ObserverConfig `toml:"observer"`
}

type CacheConfig struct {
	// Name prefixes every reference identifier the server mints.
	Name string `toml:"name"`
	// SizeMode is "token" or "byte".
	SizeMode string `toml:"size_mode"`
	// TokenizerModel selects the exact BPE tokenizer, e.g. "gpt-4o".
	// Empty uses the heuristic fallback.
	TokenizerModel string `toml:"tokenizer_model"`
	// TokenizerFile points at a HuggingFace tokenizer.json. Takes
	// precedence over TokenizerModel.
	TokenizerFile string `toml:"tokenizer_file"`
	// MaxSize is the cache-wide preview threshold in the measurer's unit.
	MaxSize int `toml:"max_size"`
	// DefaultTTLSeconds applies to entries stored without an explicit TTL.
	// Zero means no expiry.
	DefaultTTLSeconds int `toml:"default_ttl_seconds"`
	// DefaultNamespace applies to entries stored without one.
	DefaultNamespace string `toml:"default_namespace"`
	// PreviewStrategy is "sample", "paginate", or "truncate".
	PreviewStrategy string `toml:"preview_strategy"`
}

type BackendConfig struct {
	// Kind is "memory", "sqlite", "redis", or "postgres".
	Kind string `toml:"kind"`
	// SQLitePath is the database file; empty resolves via
	// MCP_REFCACHE_DB_PATH then $XDG_CACHE_HOME/mcp-refcache/cache.db.
	SQLitePath string `toml:"sqlite_path"`
	// RedisURL; empty resolves via REDIS_URL then REDIS_HOST et al.
	RedisURL string `toml:"redis_url"`
	// PostgresURL is a pgx connection string.
	PostgresURL string `toml:"postgres_url"`
}

type TasksConfig struct {
	Workers                int `toml:"workers"`
	QueueSize              int `toml:"queue_size"`
	RetentionSeconds       int `toml:"retention_seconds"`
	CleanupIntervalSeconds int `toml:"cleanup_interval_seconds"`
}

type ServerConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	// ActorRole is the identity of the connected MCP client: "user",
	// "agent", or "system".
	ActorRole string `toml:"actor_role"`
	ActorID   string `toml:"actor_id"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Name:             "cache",
			SizeMode:         "token",
			MaxSize:          1000,
			DefaultNamespace: "public",
			PreviewStrategy:  "sample",
		},
		Backend: BackendConfig{Kind: "memory"},
		Tasks: TasksConfig{
			Workers:                4,
			QueueSize:              64,
			RetentionSeconds:       600,
			CleanupIntervalSeconds: 60,
		},
		Server: ServerConfig{Name: "refcache", Version: "dev", ActorRole: "agent"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "refcache.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("REFCACHE_NAME"); v != "" {
		cfg.Cache.Name = v
	}
	if v := os.Getenv("REFCACHE_SIZE_MODE"); v != "" {
		cfg.Cache.SizeMode = v
	}
	if v := os.Getenv("REFCACHE_TOKENIZER_MODEL"); v != "" {
		cfg.Cache.TokenizerModel = v
	}
	if v := os.Getenv("REFCACHE_TOKENIZER_FILE"); v != "" {
		cfg.Cache.TokenizerFile = v
	}
	if v := os.Getenv("REFCACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("REFCACHE_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("REFCACHE_POSTGRES_URL"); v != "" {
		cfg.Backend.PostgresURL = v
	}
	if v := os.Getenv("REFCACHE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tasks.Workers = n
		}
	}
	if v := os.Getenv("REFCACHE_ACTOR_ROLE"); v != "" {
		cfg.Server.ActorRole = v
	}
	if v := os.Getenv("REFCACHE_ACTOR_ID"); v != "" {
		cfg.Server.ActorID = v
	}
	if v := os.Getenv("REFCACHE_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
