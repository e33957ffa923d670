// Binary refcache is an MCP server that caches large tool outputs and hands
// clients compact references instead. Clients fetch previews or pages with
// get_cached_result and pass references back into later tool calls, where
// they resolve to the stored values.
//
// Usage in .mcp.json:
//
//	{
//	  "mcpServers": {
//	    "refcache": {
//	      "type": "stdio",
//	      "command": "go",
//	      "args": ["run", "github.com/nevindra/refcache/cmd/refcache@latest"]
//	    }
//	  }
//	}
//
// Configuration is read from refcache.toml (override with REFCACHE_CONFIG)
// plus REFCACHE_* env vars.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/refcache"
	"github.com/nevindra/refcache/docs"
	"github.com/nevindra/refcache/internal/config"
	"github.com/nevindra/refcache/mcp"
	"github.com/nevindra/refcache/observer"
	"github.com/nevindra/refcache/store/postgres"
	"github.com/nevindra/refcache/store/redis"
	"github.com/nevindra/refcache/store/sqlite"
	"github.com/nevindra/refcache/tokenizer/hf"
	"github.com/nevindra/refcache/tokenizer/tiktoken"
	"github.com/nevindra/refcache/tools/cacheops"
)

func main() {
	// stdout carries the MCP protocol; everything else goes to stderr.
	log.SetOutput(os.Stderr)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := config.Load(os.Getenv("REFCACHE_CONFIG"))

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	backend, err := buildBackend(ctx, cfg.Backend, logger)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	opts := []refcache.Option{
		refcache.WithLogger(logger),
		refcache.WithSizeMode(refcache.SizeMode(cfg.Cache.SizeMode)),
		refcache.WithMaxSize(cfg.Cache.MaxSize),
		refcache.WithDefaultNamespace(cfg.Cache.DefaultNamespace),
		refcache.WithPreviewStrategy(refcache.PreviewStrategy(cfg.Cache.PreviewStrategy)),
		refcache.WithTaskBackend(refcache.NewWorkerPool(
			refcache.WithWorkers(cfg.Tasks.Workers),
			refcache.WithQueueSize(cfg.Tasks.QueueSize),
			refcache.WithPoolLogger(logger),
		)),
		refcache.WithTaskRetention(time.Duration(cfg.Tasks.RetentionSeconds) * time.Second),
		refcache.WithCleanupInterval(time.Duration(cfg.Tasks.CleanupIntervalSeconds) * time.Second),
	}
	if cfg.Cache.DefaultTTLSeconds > 0 {
		opts = append(opts, refcache.WithDefaultTTL(time.Duration(cfg.Cache.DefaultTTLSeconds)*time.Second))
	}
	switch {
	case cfg.Cache.TokenizerFile != "":
		opts = append(opts, refcache.WithTokenizer(hf.New(cfg.Cache.TokenizerFile, hf.WithLogger(logger))))
	case cfg.Cache.TokenizerModel != "":
		opts = append(opts, refcache.WithTokenizer(tiktoken.New(cfg.Cache.TokenizerModel, tiktoken.WithLogger(logger))))
	}

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
		backend = observer.WrapBackend(backend, inst, cfg.Cache.Name)
		opts = append(opts, refcache.WithTracer(observer.NewTracer()))
	}

	opts = append(opts, refcache.WithBackend(backend))

	cache, err := refcache.New(cfg.Cache.Name, opts...)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_ = cache.Close(cctx)
	}()

	// One MCP connection is one session; tools with session-scoped
	// namespaces bind their results to this id.
	registry := cacheops.New(cache,
		cacheops.WithActor(serverActor(cfg.Server)),
		cacheops.WithSession(refcache.NewID()),
		cacheops.WithLogger(logger),
	)

	srv := mcp.New(cfg.Server.Name, cfg.Server.Version, mcp.WithLogger(logger))
	for _, h := range registry.Handlers() {
		srv.AddTool(h)
	}
	for _, r := range docs.Resources() {
		srv.AddResource(r)
	}

	logger.Info("refcache server starting",
		"cache", cfg.Cache.Name,
		"backend", cfg.Backend.Kind,
		"max_size", cfg.Cache.MaxSize,
		"size_mode", cfg.Cache.SizeMode)

	return srv.Serve(ctx)
}

// buildBackend constructs the storage backend named by the config.
func buildBackend(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (refcache.Backend, error) {
	switch cfg.Kind {
	case "", "memory":
		return refcache.NewMemoryBackend(refcache.WithMemoryLogger(logger)), nil

	case "sqlite":
		b := sqlite.New(cfg.SQLitePath, sqlite.WithLogger(logger))
		if err := b.Init(ctx); err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		return b, nil

	case "redis":
		b, err := redis.New(cfg.RedisURL, redis.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		if err := b.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return b, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b := postgres.New(pool, postgres.WithLogger(logger))
		if err := b.Init(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// serverActor maps the configured client identity onto an Actor.
func serverActor(cfg config.ServerConfig) refcache.Actor {
	switch cfg.ActorRole {
	case "user":
		return refcache.User(cfg.ActorID)
	case "system":
		return refcache.System()
	default:
		return refcache.Agent(cfg.ActorID)
	}
}
