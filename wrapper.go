package refcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type ctxKey int

const (
	invocationKey ctxKey = iota
	progressKey
)

// Invocation carries the per-call identity a server knows about the caller:
// who is asking, in which session. The wrapper formats namespace and owner
// templates from it and runs access checks as its actor.
type Invocation struct {
	UserID    string
	SessionID string
	Actor     Actor
}

// WithInvocation attaches the invocation to the context.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey, inv)
}

// InvocationFromContext returns the invocation attached by WithInvocation.
func InvocationFromContext(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey).(Invocation)
	return inv, ok
}

// ProgressFromContext returns the progress reporter injected into a
// background tool run. Reporting is fire-and-forget and rate limited; tools
// may call it as often as they like.
func ProgressFromContext(ctx context.Context) (ProgressFunc, bool) {
	fn, ok := ctx.Value(progressKey).(ProgressFunc)
	return fn, ok
}

func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey, fn)
}

// asyncFormatArg is the private argument a client may pass to override the
// wrap-time processing-response detail level for one call.
const asyncFormatArg = "_async_response_format"

type wrapConfig struct {
	namespace         string
	namespaceTemplate string
	ownerTemplate     string
	policy            *AccessPolicy
	ttl               *time.Duration
	maxSize           int
	resolveRefs       bool
	actor             Actor
	sessionScoped     bool
	asyncTimeout      *time.Duration
	format            ResponseFormat
	maxRetries        int
	retryDelay        time.Duration
	retryBackoff      float64
	progressEnabled   bool
}

// WrapOption configures a wrapped tool at decoration time.
type WrapOption func(*wrapConfig)

// WrapNamespace stores results under ns instead of the cache default.
func WrapNamespace(ns string) WrapOption {
	return func(c *wrapConfig) { c.namespace = ns }
}

// WrapNamespaceTemplate formats the namespace from the invocation, e.g.
// "user:{user_id}:portfolios". Placeholders: {user_id}, {session_id},
// {actor}. Calls without an invocation fall back to the static namespace.
func WrapNamespaceTemplate(tmpl string) WrapOption {
	return func(c *wrapConfig) { c.namespaceTemplate = tmpl }
}

// WrapOwnerTemplate formats the entry policy's owner from the invocation,
// e.g. "user:{user_id}".
func WrapOwnerTemplate(tmpl string) WrapOption {
	return func(c *wrapConfig) { c.ownerTemplate = tmpl }
}

// WrapPolicy attaches an access policy to stored results.
func WrapPolicy(p AccessPolicy) WrapOption {
	return func(c *wrapConfig) { c.policy = &p }
}

// WrapTTL overrides the cache default TTL for stored results.
func WrapTTL(d time.Duration) WrapOption {
	return func(c *wrapConfig) { c.ttl = &d }
}

// WrapMaxSize sets the per-tool size limit. Per-call overrides beat it;
// it beats the cache-wide limit.
func WrapMaxSize(n int) WrapOption {
	return func(c *wrapConfig) { c.maxSize = n }
}

// WrapResolveRefs disables reference resolution when false, for tools whose
// string parameters could accidentally look like identifiers. Default: true.
func WrapResolveRefs(enabled bool) WrapOption {
	return func(c *wrapConfig) { c.resolveRefs = enabled }
}

// WrapActor sets the actor used for resolution, cache hits, and stores when
// the invocation does not carry one. Default: agent.
func WrapActor(a Actor) WrapOption {
	return func(c *wrapConfig) { c.actor = a }
}

// WrapSessionScoped binds results to the invocation's session: the
// namespace becomes session-qualified and the stored policy carries a bound
// session id.
func WrapSessionScoped() WrapOption {
	return func(c *wrapConfig) { c.sessionScoped = true }
}

// WrapAsyncTimeout runs the tool as a background task and waits up to d for
// it to finish. On timeout the call returns a processing response and the
// task keeps running; d=0 returns the processing response immediately.
// Without this option the tool runs synchronously.
func WrapAsyncTimeout(d time.Duration) WrapOption {
	return func(c *wrapConfig) { c.asyncTimeout = &d }
}

// WrapResponseFormat sets the detail level of processing responses.
// Default: standard.
func WrapResponseFormat(f ResponseFormat) WrapOption {
	return func(c *wrapConfig) { c.format = f }
}

// WrapRetries sets the background retry policy: up to max re-invocations
// after a failure, sleeping delay*backoff^attempt between attempts.
func WrapRetries(max int, delay time.Duration, backoff float64) WrapOption {
	return func(c *wrapConfig) {
		c.maxRetries = max
		if delay > 0 {
			c.retryDelay = delay
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// WrapProgress injects a rate-limited progress reporter into background
// runs, available to tool code via ProgressFromContext.
func WrapProgress(enabled bool) WrapOption {
	return func(c *wrapConfig) { c.progressEnabled = enabled }
}

// CachedTool is a tool wrapped with caching, reference resolution, preview
// generation, and optional background execution. Obtain one with Cache.Wrap.
type CachedTool struct {
	cache *Cache
	def   ToolDefinition
	fn    ToolFunc
	cfg   wrapConfig
}

// Wrap turns fn into a cached tool. Per-invocation behavior:
//
//  1. Namespace and owner templates are formatted from the context's
//     Invocation, when present.
//  2. Reference identifiers in args are deeply resolved (unless opted out).
//  3. The cache key is derived from the tool name and resolved args; a hit
//     that the actor may read short-circuits execution.
//  4. On a miss the tool runs synchronously, or as a background task when
//     an async timeout is configured.
//  5. Results are stored and rendered complete or preview by size.
func (c *Cache) Wrap(def ToolDefinition, fn ToolFunc, opts ...WrapOption) *CachedTool {
	cfg := wrapConfig{
		namespace:    c.defaultNamespace,
		resolveRefs:  true,
		actor:        Agent(""),
		format:       FormatStandard,
		retryDelay:   time.Second,
		retryBackoff: 2,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &CachedTool{cache: c, def: def, fn: fn, cfg: cfg}
}

// Name returns the tool name.
func (t *CachedTool) Name() string { return t.def.Name }

// genericOutputSchema is what wrapped tools advertise: the structured
// response shape, not the tool's natural return.
var genericOutputSchema = json.RawMessage(`{"type":"object","description":"Structured cache response: ref_id plus either the complete value, a size-bounded preview, or background-task status."}`)

// Definition returns the tool definition as it should be advertised: the
// description gains a note on cache behavior and the output schema becomes
// the structured-response shape. The tool's natural output schema is still
// served through FULL processing responses.
func (t *CachedTool) Definition() ToolDefinition {
	def := t.def
	def.Description = strings.TrimRight(def.Description, "\n") + "\n\n" + t.cacheNote()
	def.OutputSchema = genericOutputSchema
	return def
}

func (t *CachedTool) cacheNote() string {
	var b strings.Builder
	b.WriteString("Results are cached")
	switch {
	case t.cfg.namespaceTemplate != "":
		fmt.Fprintf(&b, " in namespace %q", t.cfg.namespaceTemplate)
	default:
		fmt.Fprintf(&b, " in namespace %q", t.cfg.namespace)
	}
	if t.cfg.maxSize > 0 {
		fmt.Fprintf(&b, "; responses larger than %d are previewed", t.cfg.maxSize)
	} else {
		b.WriteString("; responses larger than the server default are previewed")
	}
	b.WriteString(".")
	if t.cfg.resolveRefs {
		b.WriteString(" Reference identifiers (name:hexdigest) in arguments are resolved to their cached values before execution.")
	}
	b.WriteString(" Use get_cached_result with the returned ref_id to page through or re-fetch results.")
	if t.cfg.asyncTimeout != nil {
		fmt.Fprintf(&b, " Runs in the background when slower than %s; poll get_cached_result for completion.", *t.cfg.asyncTimeout)
	}
	return b.String()
}

// Call invokes the wrapped tool.
func (t *CachedTool) Call(ctx context.Context, args map[string]any) (Response, error) {
	c := t.cache
	ctx, span := c.tracer.Start(ctx, "tool.call", Attr("tool", t.def.Name))
	defer span.End()

	inv, hasInv := InvocationFromContext(ctx)
	actor := t.cfg.actor
	if hasInv && inv.Actor.Role != "" {
		actor = inv.Actor
	}

	format := t.cfg.format
	if raw, ok := args[asyncFormatArg]; ok {
		if s, ok := raw.(string); ok {
			format = ResponseFormat(s)
		}
		cleaned := make(map[string]any, len(args))
		for k, v := range args {
			if k != asyncFormatArg {
				cleaned[k] = v
			}
		}
		args = cleaned
	}

	namespace, policy, err := t.scope(inv, hasInv, actor)
	if err != nil {
		span.Error(err)
		return Response{}, err
	}

	resolved := any(args)
	if t.cfg.resolveRefs {
		resolved, err = c.ResolveRefs(ctx, args, actor)
		if err != nil {
			span.Error(err)
			return Response{}, err
		}
	}

	key := map[string]any{"tool": t.def.Name, "args": resolved}
	canonical, err := CanonicalJSON(key)
	if err != nil {
		span.Error(err)
		return Response{}, fmt.Errorf("%s: derive cache key: %w", t.def.Name, err)
	}
	refID := MintRefID(c.name, namespace, canonical)
	span.SetAttr(Attr("ref_id", refID))

	// Poll-through: a live task under this identifier means the same
	// invocation is already running.
	if rec, ok := c.tasks.Status(refID); ok && !rec.Status.IsTerminal() {
		return processingResponse(rec, format, c.resultSchema(refID)), nil
	}

	if entry, err := c.loadForRead(ctx, refID, actor); err == nil {
		c.logger.Debug("tool: cache hit", "tool", t.def.Name, "ref_id", refID)
		return c.buildResponse(refID, entry.Value, t.effectiveMaxSize(), 0, 0)
	}

	resolvedArgs, _ := resolved.(map[string]any)
	// The server stores its own tool results; the invoking actor's
	// permissions govern reads, not this write.
	store := func(ctx context.Context, result any) error {
		opts := []SetOption{SetNamespace(namespace)}
		if policy != nil {
			opts = append(opts, SetPolicy(*policy))
			if policy.BoundSession != "" {
				// A bound session admits no actor without it, so the
				// server's write presents the session too.
				opts = append(opts, SetActor(System().WithSession(policy.BoundSession)))
			}
		}
		if t.cfg.ttl != nil {
			opts = append(opts, SetTTL(*t.cfg.ttl))
		}
		_, err := c.Set(ctx, key, result, opts...)
		return err
	}

	if t.cfg.asyncTimeout == nil {
		result, err := t.fn(ctx, resolvedArgs)
		if err != nil {
			span.Error(err)
			return Response{}, fmt.Errorf("%s: %w", t.def.Name, err)
		}
		if err := store(ctx, result); err != nil {
			span.Error(err)
			return Response{}, fmt.Errorf("%s: store result: %w", t.def.Name, err)
		}
		return c.buildResponse(refID, result, t.effectiveMaxSize(), 0, 0)
	}

	return t.callAsync(ctx, refID, resolvedArgs, store, format)
}

// scope resolves the namespace and policy for one invocation: template
// formatting, session scoping, owner assignment.
func (t *CachedTool) scope(inv Invocation, hasInv bool, actor Actor) (string, *AccessPolicy, error) {
	namespace := t.cfg.namespace
	if t.cfg.namespaceTemplate != "" && hasInv {
		namespace = expandTemplate(t.cfg.namespaceTemplate, inv, actor)
	}

	var policy *AccessPolicy
	if t.cfg.policy != nil {
		p := *t.cfg.policy
		policy = &p
	}

	if t.cfg.sessionScoped {
		if !hasInv || inv.SessionID == "" {
			return "", nil, &ErrInvalidArgument{Field: "session", Reason: "session-scoped tool called without a session"}
		}
		if t.cfg.namespaceTemplate == "" {
			if inv.UserID != "" {
				namespace = "user:" + inv.UserID + ":session:" + inv.SessionID
			} else {
				namespace = "session:" + inv.SessionID
			}
		}
		if policy == nil {
			p := t.cache.defaultPolicy
			policy = &p
		}
		policy.BoundSession = inv.SessionID
	}

	if t.cfg.ownerTemplate != "" && hasInv {
		if policy == nil {
			p := t.cache.defaultPolicy
			policy = &p
		}
		policy.Owner = expandTemplate(t.cfg.ownerTemplate, inv, actor)
		if policy.OwnerPermissions == nil {
			policy.OwnerPermissions = PermPtr(PermFull)
		}
	}
	return namespace, policy, nil
}

func (t *CachedTool) effectiveMaxSize() int {
	if t.cfg.maxSize > 0 {
		return t.cfg.maxSize
	}
	return t.cache.maxSize
}

// callAsync submits the tool as a background task and waits out the
// configured timeout. The wait ending never cancels the task; the reference
// identifier is stable across the processing response and completion.
func (t *CachedTool) callAsync(ctx context.Context, refID string, args map[string]any, store func(context.Context, any) error, format ResponseFormat) (Response, error) {
	c := t.cache
	task := func(taskCtx context.Context, report ProgressFunc) (any, error) {
		if t.cfg.progressEnabled {
			taskCtx = withProgress(taskCtx, rateLimited(report, progressInterval))
		}
		result, err := t.fn(taskCtx, args)
		if err != nil {
			return nil, err
		}
		if err := store(taskCtx, result); err != nil {
			return nil, fmt.Errorf("store result: %w", err)
		}
		return result, nil
	}

	c.setResultSchema(refID, t.def.OutputSchema)
	rec, err := c.submitTask(refID, task, SubmitRetries(t.cfg.maxRetries, t.cfg.retryDelay, t.cfg.retryBackoff))
	if err != nil {
		return Response{}, fmt.Errorf("%s: submit task: %w", t.def.Name, err)
	}

	timeout := *t.cfg.asyncTimeout
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.tasks.Done(refID):
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if current, ok := c.tasks.Status(refID); ok {
		rec = current
	}
	if rec.Status.IsTerminal() {
		result, err := c.tasks.Result(refID)
		if err != nil {
			return Response{}, err
		}
		return c.buildResponse(refID, result, t.effectiveMaxSize(), 0, 0)
	}
	c.logger.Debug("tool: processing response", "tool", t.def.Name, "ref_id", refID, "status", rec.Status.String())
	return processingResponse(rec, format, c.resultSchema(refID)), nil
}

// progressInterval is the minimum spacing between registry updates from one
// task's progress reporter.
const progressInterval = 100 * time.Millisecond

// rateLimited drops reports arriving faster than every.
func rateLimited(report ProgressFunc, every time.Duration) ProgressFunc {
	var mu sync.Mutex
	var last time.Time
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.Sub(last) < every {
			return
		}
		last = now
		report(p)
	}
}

// expandTemplate substitutes {user_id}, {session_id}, and {actor} from the
// invocation.
func expandTemplate(tmpl string, inv Invocation, actor Actor) string {
	r := strings.NewReplacer(
		"{user_id}", inv.UserID,
		"{session_id}", inv.SessionID,
		"{actor}", actor.String(),
	)
	return r.Replace(tmpl)
}
