// Package refcache is a reference-based caching layer for AI-tool runtimes.
//
// Large or sensitive tool outputs are stored server-side; clients receive a
// compact reference identifier ("<cache-name>:<hex-digest>") plus a
// size-bounded preview. Identifiers passed back in later tool arguments are
// transparently resolved to their cached values before the tool runs, and
// long tool invocations execute as background tasks the client polls.
//
// The root package holds the contracts and the core coordinator:
//
//   - Cache, the reference store: namespacing, TTL, identifier minting,
//     access control, preview generation, task tracking.
//   - Backend, the pluggable storage protocol, with an in-memory default.
//     Embedded-file and network implementations live in store/sqlite,
//     store/postgres, and store/redis.
//   - TaskBackend, the pluggable background executor, with an in-process
//     WorkerPool default.
//   - Cache.Wrap, which turns any ToolFunc into a CachedTool that caches,
//     resolves references, previews, and optionally runs in the background.
//
// A minimal server:
//
//	cache, err := refcache.New("calc",
//		refcache.WithMaxSize(500),
//		refcache.WithDefaultTTL(time.Hour))
//	if err != nil { ... }
//	tool := cache.Wrap(refcache.ToolDefinition{Name: "matrix_op", ...}, matrixOp,
//		refcache.WrapAsyncTimeout(5*time.Second))
//	resp, err := tool.Call(ctx, args)
//
// Access control is deny-first: not-found, expired, and permission-denied
// all surface as one opaque error so callers cannot enumerate entries they
// lack access to.
package refcache
