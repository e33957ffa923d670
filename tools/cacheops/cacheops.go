// Package cacheops packages the cache's client-facing operations as MCP
// tool handlers: the polling tool get_cached_result plus the administrative
// tools list_cached_keys, cache_stats, clear_cache, cancel_task, and
// retry_task.
//
// The registry carries the actor identity of the connected client,
// configured at server start. Administrative tools additionally require a
// user or system actor; the agent role only polls.
package cacheops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nevindra/refcache"
	"github.com/nevindra/refcache/mcp"
)

// Option configures a Registry.
type Option func(*Registry)

// WithActor sets the actor identity attached to every operation.
// Default: an anonymous agent.
func WithActor(a refcache.Actor) Option {
	return func(r *Registry) { r.actor = a }
}

// WithSession binds a session identifier to every wrapped tool call.
// Tools declared with session-scoped namespaces require one.
func WithSession(id string) Option {
	return func(r *Registry) { r.session = id }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry builds MCP tool handlers bound to one cache.
type Registry struct {
	cache   *refcache.Cache
	actor   refcache.Actor
	session string
	logger  *slog.Logger
}

// New creates a Registry for the cache.
func New(cache *refcache.Cache, opts ...Option) *Registry {
	r := &Registry{
		cache:  cache,
		actor:  refcache.Agent(""),
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.session != "" {
		// Session-bound entries admit only actors presenting the session,
		// so the registry's reads carry it.
		r.actor = r.actor.WithSession(r.session)
	}
	return r
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Handlers returns every cache-operation tool.
func (r *Registry) Handlers() []mcp.ToolHandler {
	return []mcp.ToolHandler{
		r.getCachedResult(),
		r.listCachedKeys(),
		r.cacheStats(),
		r.clearCache(),
		r.cancelTask(),
		r.retryTask(),
	}
}

// Wrap adapts a cached tool for MCP serving, attaching the registry's actor
// to each call.
func (r *Registry) Wrap(t *refcache.CachedTool) mcp.ToolHandler {
	def := t.Definition()
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: rawSchema(def.InputSchema),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params map[string]any
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return mcp.ErrorResult("invalid args: " + err.Error())
				}
			}
			inv := refcache.Invocation{Actor: r.actor, SessionID: r.session}
			if r.actor.Role == refcache.RoleUser {
				inv.UserID = r.actor.ID
			}
			ctx = refcache.WithInvocation(ctx, inv)
			resp, err := t.Call(ctx, params)
			if err != nil {
				return mcp.ResultFromError(err)
			}
			return mcp.JSONResult(resp)
		},
	}
}

func (r *Registry) getCachedResult() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name: "get_cached_result",
			Description: "Fetch a cached result by reference identifier. Returns the full value when it fits " +
				"the size limit, a preview otherwise, or background-task status while the producing tool is " +
				"still running. Use page/page_size to page through large lists and max_size to override the " +
				"preview limit for this call.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{
				"ref_id":{"type":"string","description":"Reference identifier (name:hexdigest)"},
				"page":{"type":"integer","description":"Page number; forces pagination"},
				"page_size":{"type":"integer","description":"Items per page"},
				"max_size":{"type":"integer","description":"Per-call size limit override"}},
				"required":["ref_id"]}`)),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				RefID    string `json:"ref_id"`
				Page     int    `json:"page"`
				PageSize int    `json:"page_size"`
				MaxSize  int    `json:"max_size"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			opts := []refcache.GetOption{refcache.GetActor(r.actor)}
			if params.Page > 0 {
				opts = append(opts, refcache.GetPage(params.Page))
			}
			if params.PageSize > 0 {
				opts = append(opts, refcache.GetPageSize(params.PageSize))
			}
			if params.MaxSize > 0 {
				opts = append(opts, refcache.GetMaxSize(params.MaxSize))
			}
			resp, err := r.cache.Get(ctx, params.RefID, opts...)
			if err != nil {
				return mcp.ResultFromError(err)
			}
			return mcp.JSONResult(resp)
		},
	}
}

func (r *Registry) listCachedKeys() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "list_cached_keys",
			Description: "List cached reference identifiers, optionally filtered by namespace.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{
				"namespace":{"type":"string","description":"Namespace filter, e.g. user:alice"}}}`)),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Namespace string `json:"namespace"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return mcp.ErrorResult("invalid args: " + err.Error())
				}
			}
			if res, ok := r.requireAdmin("list_cached_keys"); !ok {
				return res
			}
			keys, err := r.cache.Keys(ctx, params.Namespace, r.actor)
			if err != nil {
				return mcp.ResultFromError(err)
			}
			return mcp.JSONResult(map[string]any{"keys": keys, "count": len(keys)})
		},
	}
}

func (r *Registry) cacheStats() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "cache_stats",
			Description: "Report cache statistics: entry count, size limit, and background-task registry counters.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{}}`)),
		},
		Execute: func(ctx context.Context, _ json.RawMessage) mcp.ToolCallResult {
			stats, err := r.cache.Stats(ctx)
			if err != nil {
				return mcp.ResultFromError(err)
			}
			return mcp.JSONResult(stats)
		},
	}
}

func (r *Registry) clearCache() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "clear_cache",
			Description: "Remove cached entries, optionally limited to one namespace. Requires a user or system actor.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{
				"namespace":{"type":"string","description":"Only clear this namespace"}}}`)),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				Namespace string `json:"namespace"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &params); err != nil {
					return mcp.ErrorResult("invalid args: " + err.Error())
				}
			}
			if res, ok := r.requireAdmin("clear_cache"); !ok {
				return res
			}
			n, err := r.cache.Clear(ctx, params.Namespace, r.actor)
			if err != nil {
				return mcp.ResultFromError(err)
			}
			return mcp.JSONResult(map[string]any{"removed": n})
		},
	}
}

func (r *Registry) cancelTask() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name: "cancel_task",
			Description: "Request cooperative cancellation of a background task. Returns whether a running " +
				"task was flagged; cancelling a finished task is a no-op. Requires a user or system actor.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{
				"ref_id":{"type":"string","description":"Reference identifier of the task"}},
				"required":["ref_id"]}`)),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				RefID string `json:"ref_id"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			if res, ok := r.requireAdmin("cancel_task"); !ok {
				return res
			}
			cancelled := r.cache.CancelTask(params.RefID)
			return mcp.JSONResult(map[string]any{"ref_id": params.RefID, "cancelled": cancelled})
		},
	}
}

func (r *Registry) retryTask() mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name: "retry_task",
			Description: "Re-enqueue a failed background task under its original reference identifier. " +
				"Requires a user or system actor.",
			InputSchema: rawSchema(json.RawMessage(`{"type":"object","properties":{
				"ref_id":{"type":"string","description":"Reference identifier of the failed task"}},
				"required":["ref_id"]}`)),
		},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			var params struct {
				RefID string `json:"ref_id"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return mcp.ErrorResult("invalid args: " + err.Error())
			}
			if res, ok := r.requireAdmin("retry_task"); !ok {
				return res
			}
			retried := r.cache.RetryTask(params.RefID)
			return mcp.JSONResult(map[string]any{"ref_id": params.RefID, "retried": retried})
		},
	}
}

// requireAdmin gates administrative tools to user or system actors.
func (r *Registry) requireAdmin(tool string) (mcp.ToolCallResult, bool) {
	if r.actor.Role == refcache.RoleUser || r.actor.IsSystem() {
		return mcp.ToolCallResult{}, true
	}
	r.logger.Warn("cacheops: admin tool denied", "tool", tool, "actor", r.actor.String())
	return mcp.ErrorResult(fmt.Sprintf("%s requires a user or system actor", tool)), false
}

// rawSchema passes a JSON Schema through as the MCP input schema, defaulting
// to an open object when the tool declared none.
func rawSchema(schema json.RawMessage) any {
	if len(schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return schema
}
