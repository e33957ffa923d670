package refcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cache is the reference store: the central coordinator combining a storage
// backend, access control, preview generation, and background-task tracking.
// A long-lived server typically holds one Cache per logical tool category;
// the cache name prefixes every reference identifier the instance mints.
type Cache struct {
	name             string
	backend          Backend
	tasks            TaskBackend
	measurer         SizeMeasurer
	strategy         PreviewStrategy
	maxSize          int
	defaultTTL       time.Duration
	defaultPolicy    AccessPolicy
	defaultNamespace string
	retention        time.Duration
	cleanupInterval  time.Duration
	logger           *slog.Logger
	tracer           Tracer

	cleanupOnce sync.Once
	cleanupStop chan struct{}

	// Per-ref result schemas declared by wrapped tools, served in FULL
	// processing responses.
	schemaMu sync.Mutex
	schemas  map[string][]byte
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend sets the storage backend. Default: in-memory.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithTaskBackend sets the background-task executor. Default: an in-process
// worker pool.
func WithTaskBackend(t TaskBackend) Option {
	return func(c *Cache) { c.tasks = t }
}

// WithMeasurer sets the size measurer directly, overriding WithSizeMode and
// WithTokenizer.
func WithMeasurer(m SizeMeasurer) Option {
	return func(c *Cache) { c.measurer = m }
}

// WithSizeMode selects token or byte measurement. Default: token.
func WithSizeMode(mode SizeMode) Option {
	return func(c *Cache) {
		if mode == ModeByte {
			c.measurer = ByteMeasurer{}
		} else {
			c.measurer = TokenMeasurer{Tok: FallbackTokenizer{}}
		}
	}
}

// WithTokenizer measures sizes in tokens of the given tokenizer.
func WithTokenizer(tok Tokenizer) Option {
	return func(c *Cache) { c.measurer = TokenMeasurer{Tok: tok} }
}

// WithPreviewStrategy sets the default preview strategy. Default: sample.
func WithPreviewStrategy(s PreviewStrategy) Option {
	return func(c *Cache) { c.strategy = s }
}

// WithMaxSize sets the cache-wide size limit above which reads return a
// preview instead of the full value. Default: 1000 (in the measurer's unit).
func WithMaxSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithDefaultTTL sets the entry TTL applied when Set is not given one.
// Zero means entries do not expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = d }
}

// WithDefaultPolicy sets the access policy applied when Set is not given one.
func WithDefaultPolicy(p AccessPolicy) Option {
	return func(c *Cache) { c.defaultPolicy = p }
}

// WithDefaultNamespace sets the namespace applied when Set is not given one.
// Default: "public".
func WithDefaultNamespace(ns string) Option {
	return func(c *Cache) { c.defaultNamespace = ns }
}

// WithLogger sets a structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTracer sets a tracer for cache operations. Default: no-op.
func WithTracer(t Tracer) Option {
	return func(c *Cache) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithTaskRetention sets how long terminal task records stay pollable before
// cleanup removes them. Default: 10 minutes.
func WithTaskRetention(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithCleanupInterval sets the period of the task-cleanup loop.
// Default: 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// New creates a Cache. The name prefixes every reference identifier this
// instance mints and must match [A-Za-z][A-Za-z0-9_-]*.
func New(name string, opts ...Option) (*Cache, error) {
	if !ValidCacheName(name) {
		return nil, &ErrInvalidArgument{Field: "name", Reason: "must match [A-Za-z][A-Za-z0-9_-]*"}
	}
	c := &Cache{
		name:             name,
		measurer:         TokenMeasurer{Tok: FallbackTokenizer{}},
		strategy:         StrategySample,
		maxSize:          1000,
		defaultPolicy:    DefaultPolicy(),
		defaultNamespace: "public",
		retention:        10 * time.Minute,
		cleanupInterval:  time.Minute,
		logger:           nopLogger,
		tracer:           nopTracer{},
		cleanupStop:      make(chan struct{}),
		schemas:          make(map[string][]byte),
	}
	for _, o := range opts {
		o(c)
	}
	if c.backend == nil {
		c.backend = NewMemoryBackend()
	}
	if c.tasks == nil {
		c.tasks = NewWorkerPool(WithPoolLogger(c.logger))
	}
	return c, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

type setConfig struct {
	namespace string
	policy    *AccessPolicy
	ttl       *time.Duration
	metadata  map[string]string
	actor     Actor
}

// SetOption configures a single Set call.
type SetOption func(*setConfig)

// SetNamespace stores the entry under ns instead of the cache default.
func SetNamespace(ns string) SetOption {
	return func(cfg *setConfig) { cfg.namespace = ns }
}

// SetPolicy attaches an access policy instead of the cache default.
func SetPolicy(p AccessPolicy) SetOption {
	return func(cfg *setConfig) { cfg.policy = &p }
}

// SetTTL overrides the cache default TTL for this entry. Zero disables
// expiry.
func SetTTL(d time.Duration) SetOption {
	return func(cfg *setConfig) { cfg.ttl = &d }
}

// SetMetadata attaches opaque metadata to the entry.
func SetMetadata(md map[string]string) SetOption {
	return func(cfg *setConfig) { cfg.metadata = md }
}

// SetActor performs the write as the given actor. Default: system.
func SetActor(a Actor) SetOption {
	return func(cfg *setConfig) { cfg.actor = a }
}

// Set writes an entry and returns its reference identifier. The identifier
// is deterministic in (namespace, canonical key): repeat calls with equal
// inputs yield the same identifier and replace the entry in place, so a
// later TTL or metadata change takes effect. Requires WRITE; denials are
// returned typed (there is no stored secret to hide on the write path).
func (c *Cache) Set(ctx context.Context, key, value any, opts ...SetOption) (string, error) {
	cfg := setConfig{
		namespace: c.defaultNamespace,
		actor:     System(),
	}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, span := c.tracer.Start(ctx, "cache.set", Attr("cache", c.name), Attr("namespace", cfg.namespace))
	defer span.End()

	ns, err := ParseNamespace(cfg.namespace)
	if err != nil {
		span.Error(err)
		return "", err
	}
	canonical, err := CanonicalJSON(key)
	if err != nil {
		span.Error(err)
		return "", fmt.Errorf("set: %w", err)
	}
	refID := MintRefID(c.name, ns.Raw, canonical)
	if len(refID) > MaxKeyLen {
		return "", &ErrInvalidArgument{Field: "key", Reason: "derived key exceeds backend limit"}
	}
	span.SetAttr(Attr("ref_id", refID))

	policy := c.defaultPolicy
	if cfg.policy != nil {
		policy = *cfg.policy
	}
	// Replacing an existing entry is governed by the stored policy, not the
	// incoming one.
	if existing, err := c.backend.Get(ctx, refID); err != nil {
		span.Error(err)
		return "", fmt.Errorf("set: %w", err)
	} else if existing != nil {
		if _, err := CheckAccess(cfg.actor, PermWrite, existing.Policy, ns); err != nil {
			span.Error(err)
			return "", err
		}
	} else if _, err := CheckAccess(cfg.actor, PermWrite, policy, ns); err != nil {
		span.Error(err)
		return "", err
	}

	ttl := c.defaultTTL
	if cfg.ttl != nil {
		ttl = *cfg.ttl
	}
	now := NowUnix()
	entry := Entry{
		Value:     value,
		Namespace: ns.Raw,
		Policy:    policy,
		CreatedAt: now,
		Metadata:  cfg.metadata,
	}
	if ttl > 0 {
		entry.ExpiresAt = now + int64(ttl/time.Second)
	}
	if err := c.backend.Set(ctx, refID, entry); err != nil {
		span.Error(err)
		return "", fmt.Errorf("set: %w", err)
	}
	c.logger.Debug("cache: set", "cache", c.name, "ref_id", refID, "namespace", ns.Raw, "ttl", ttl)
	return refID, nil
}

type getConfig struct {
	page     int
	pageSize int
	maxSize  int
	format   ResponseFormat
	actor    Actor
}

// GetOption configures a single Get call.
type GetOption func(*getConfig)

// GetPage requests a specific page, forcing the paginate strategy.
func GetPage(page int) GetOption {
	return func(cfg *getConfig) { cfg.page = page }
}

// GetPageSize sets the page size for paginated previews.
func GetPageSize(n int) GetOption {
	return func(cfg *getConfig) { cfg.pageSize = n }
}

// GetMaxSize overrides the per-tool and cache-wide size limits for this
// call. Highest-precedence level of the three.
func GetMaxSize(n int) GetOption {
	return func(cfg *getConfig) { cfg.maxSize = n }
}

// GetFormat sets the detail level of a processing response. Default:
// standard.
func GetFormat(f ResponseFormat) GetOption {
	return func(cfg *getConfig) { cfg.format = f }
}

// GetActor performs the read as the given actor. Default: agent.
func GetActor(a Actor) GetOption {
	return func(cfg *getConfig) { cfg.actor = a }
}

// Get is the polling read. It consults the task registry first: an in-flight
// task yields a processing response, a failed or cancelled one its typed
// error. Otherwise the entry is loaded and, subject to READ, rendered as a
// complete or preview response. Not-found, expired, and denied all collapse
// to the opaque error.
func (c *Cache) Get(ctx context.Context, refID string, opts ...GetOption) (Response, error) {
	cfg := getConfig{format: FormatStandard, actor: Agent("")}
	for _, o := range opts {
		o(&cfg)
	}

	ctx, span := c.tracer.Start(ctx, "cache.get", Attr("cache", c.name), Attr("ref_id", refID))
	defer span.End()

	if rec, ok := c.tasks.Status(refID); ok {
		switch rec.Status {
		case TaskPending, TaskProcessing:
			return processingResponse(rec, cfg.format, c.resultSchema(refID)), nil
		case TaskFailed:
			err := &ErrTaskFailed{RefID: refID, LastErr: rec.LastError, Attempts: rec.Retries + 1}
			span.Error(err)
			return Response{}, err
		case TaskCancelled:
			err := &ErrCancelled{RefID: refID}
			span.Error(err)
			return Response{}, err
		}
		// Complete: the result was stored, fall through to the backend.
	}

	entry, err := c.loadForRead(ctx, refID, cfg.actor)
	if err != nil {
		span.Error(err)
		return Response{}, err
	}

	maxSize := c.maxSize
	if cfg.maxSize > 0 {
		maxSize = cfg.maxSize
	}
	resp, err := c.buildResponse(refID, entry.Value, maxSize, cfg.page, cfg.pageSize)
	if err != nil {
		span.Error(err)
		return Response{}, fmt.Errorf("get %s: %w", refID, err)
	}
	c.logger.Debug("cache: get", "cache", c.name, "ref_id", refID, "complete", resp.IsComplete)
	return resp, nil
}

// loadForRead loads an entry and checks READ, collapsing every failure to
// the opaque error.
func (c *Cache) loadForRead(ctx context.Context, refID string, actor Actor) (*Entry, error) {
	entry, err := c.backend.Get(ctx, refID)
	if err != nil {
		c.logger.Error("cache: backend get failed", "ref_id", refID, "error", err)
		return nil, opaque(refID)
	}
	if entry == nil {
		return nil, opaque(refID)
	}
	ns, err := ParseNamespace(entry.Namespace)
	if err != nil {
		return nil, opaque(refID)
	}
	if _, err := CheckAccess(actor, PermRead, entry.Policy, ns); err != nil {
		c.logger.Debug("cache: read denied", "ref_id", refID, "actor", actor.String())
		return nil, opaque(refID)
	}
	return entry, nil
}

// Resolve returns the full stored value. READ or EXECUTE suffices: an
// EXECUTE-only holder can use the value in server-side computation through
// this path, while Get stays denied. Every failure collapses to the opaque
// error.
func (c *Cache) Resolve(ctx context.Context, refID string, actor Actor) (any, error) {
	ctx, span := c.tracer.Start(ctx, "cache.resolve", Attr("cache", c.name), Attr("ref_id", refID))
	defer span.End()

	entry, err := c.backend.Get(ctx, refID)
	if err != nil || entry == nil {
		span.Error(opaque(refID))
		return nil, opaque(refID)
	}
	ns, err := ParseNamespace(entry.Namespace)
	if err != nil {
		return nil, opaque(refID)
	}
	effective, err := CheckAccess(actor, PermNone, entry.Policy, ns)
	if err != nil {
		span.Error(err)
		return nil, opaque(refID)
	}
	if !effective.Has(PermRead) && !effective.Has(PermExecute) {
		c.logger.Debug("cache: resolve denied", "ref_id", refID, "actor", actor.String())
		return nil, opaque(refID)
	}
	return entry.Value, nil
}

// Delete removes an entry. Requires DELETE; failures collapse to the opaque
// error.
func (c *Cache) Delete(ctx context.Context, refID string, actor Actor) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "cache.delete", Attr("cache", c.name), Attr("ref_id", refID))
	defer span.End()

	entry, err := c.backend.Get(ctx, refID)
	if err != nil || entry == nil {
		return false, opaque(refID)
	}
	ns, err := ParseNamespace(entry.Namespace)
	if err != nil {
		return false, opaque(refID)
	}
	if _, err := CheckAccess(actor, PermDelete, entry.Policy, ns); err != nil {
		span.Error(err)
		return false, opaque(refID)
	}
	removed, err := c.backend.Delete(ctx, refID)
	if err != nil {
		span.Error(err)
		return false, fmt.Errorf("delete %s: %w", refID, err)
	}
	c.logger.Debug("cache: delete", "cache", c.name, "ref_id", refID, "removed", removed)
	return removed, nil
}

// Exists reports whether the actor could observe the entry with Get. It is
// deliberately opaque: absent, expired, and denied are all false.
func (c *Cache) Exists(ctx context.Context, refID string, actor Actor) bool {
	_, err := c.loadForRead(ctx, refID, actor)
	return err == nil
}

// Clear removes every entry in the namespace, or all entries when namespace
// is empty (system only). Requires DELETE on the targeted namespace.
func (c *Cache) Clear(ctx context.Context, namespace string, actor Actor) (int, error) {
	ctx, span := c.tracer.Start(ctx, "cache.clear", Attr("cache", c.name), Attr("namespace", namespace))
	defer span.End()

	if namespace == "" {
		if !actor.IsSystem() {
			err := &ErrPermissionDenied{Actor: actor.String(), Required: PermDelete, Reason: "full clear is system only"}
			span.Error(err)
			return 0, err
		}
	} else {
		ns, err := ParseNamespace(namespace)
		if err != nil {
			return 0, err
		}
		if _, err := CheckAccess(actor, PermDelete, c.defaultPolicy, ns); err != nil {
			span.Error(err)
			return 0, err
		}
	}
	n, err := c.backend.Clear(ctx, namespace)
	if err != nil {
		span.Error(err)
		return 0, fmt.Errorf("clear: %w", err)
	}
	c.logger.Info("cache: clear", "cache", c.name, "namespace", namespace, "removed", n)
	return n, nil
}

// Keys lists stored keys in the namespace, or all keys when namespace is
// empty (system only). Requires READ on the targeted namespace.
func (c *Cache) Keys(ctx context.Context, namespace string, actor Actor) ([]string, error) {
	if namespace == "" {
		if !actor.IsSystem() {
			return nil, &ErrPermissionDenied{Actor: actor.String(), Required: PermRead, Reason: "full listing is system only"}
		}
	} else {
		ns, err := ParseNamespace(namespace)
		if err != nil {
			return nil, err
		}
		if _, err := CheckAccess(actor, PermRead, c.defaultPolicy, ns); err != nil {
			return nil, err
		}
	}
	keys, err := c.backend.Keys(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	return keys, nil
}

// CacheStats summarizes a cache instance.
type CacheStats struct {
	Name    string    `json:"name"`
	Entries int       `json:"entries"`
	MaxSize int       `json:"max_size"`
	Tasks   TaskStats `json:"tasks"`
}

// Stats counts stored entries and summarizes the task registry. Entry
// counting lists keys and is O(N) on some backends.
func (c *Cache) Stats(ctx context.Context) (CacheStats, error) {
	keys, err := c.backend.Keys(ctx, "")
	if err != nil {
		return CacheStats{}, fmt.Errorf("stats: %w", err)
	}
	return CacheStats{
		Name:    c.name,
		Entries: len(keys),
		MaxSize: c.maxSize,
		Tasks:   c.tasks.Stats(),
	}, nil
}

// TaskStatus returns the registry snapshot for a task, if known.
func (c *Cache) TaskStatus(refID string) (TaskRecord, bool) {
	return c.tasks.Status(refID)
}

// CancelTask requests cooperative cancellation. The second call is a no-op
// returning false.
func (c *Cache) CancelTask(refID string) bool {
	ok := c.tasks.Cancel(refID)
	if ok {
		c.logger.Info("cache: task cancel requested", "cache", c.name, "ref_id", refID)
	}
	return ok
}

// RetryTask re-enqueues a failed task under its original identifier.
func (c *Cache) RetryTask(refID string) bool {
	ok := c.tasks.Retry(refID)
	if ok {
		c.logger.Info("cache: task retried", "cache", c.name, "ref_id", refID)
	}
	return ok
}

// submitTask enqueues fn under refID and lazily starts the cleanup loop.
func (c *Cache) submitTask(refID string, fn TaskFunc, opts ...SubmitOption) (TaskRecord, error) {
	c.startCleanup()
	return c.tasks.Submit(refID, fn, opts...)
}

// startCleanup spawns the periodic task-record cleanup loop on first use.
// The loop lives inside the cache instance, not process-wide.
func (c *Cache) startCleanup() {
	c.cleanupOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.cleanupStop:
					return
				case <-ticker.C:
					if n := c.tasks.Cleanup(c.retention); n > 0 {
						c.logger.Debug("cache: task records cleaned", "cache", c.name, "removed", n)
						c.dropSchemas(n)
					}
				}
			}
		}()
	})
}

// setResultSchema records a wrapped tool's declared result schema for FULL
// processing responses.
func (c *Cache) setResultSchema(refID string, schema []byte) {
	if len(schema) == 0 {
		return
	}
	c.schemaMu.Lock()
	c.schemas[refID] = schema
	c.schemaMu.Unlock()
}

func (c *Cache) resultSchema(refID string) []byte {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	return c.schemas[refID]
}

// dropSchemas prunes schemas whose task records are gone.
func (c *Cache) dropSchemas(int) {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	for refID := range c.schemas {
		if _, ok := c.tasks.Status(refID); !ok {
			delete(c.schemas, refID)
		}
	}
}

// buildResponse renders value as a complete response when it fits maxSize,
// and a preview response otherwise. An explicit page forces pagination.
func (c *Cache) buildResponse(refID string, value any, maxSize, page, pageSize int) (Response, error) {
	size, err := c.measurer.Measure(value)
	if err != nil {
		return Response{}, err
	}
	if page == 0 && size <= maxSize {
		return Response{
			RefID:      refID,
			IsComplete: true,
			Value:      value,
			Size:       size,
			TotalItems: countItems(value),
		}, nil
	}

	gen := generatorFor(c.strategy)
	if page > 0 {
		gen = PaginatePreview{}
	}
	pr, err := gen.Generate(value, maxSize, c.measurer, page, pageSize)
	if err != nil {
		return Response{}, err
	}
	return Response{
		RefID:        refID,
		IsComplete:   false,
		Preview:      pr.Preview,
		Strategy:     pr.Strategy,
		TotalItems:   pr.TotalItems,
		OriginalSize: pr.OriginalSize,
		PreviewSize:  pr.PreviewSize,
		Page:         pr.Page,
		TotalPages:   pr.TotalPages,
		Message:      pr.Message,
	}, nil
}

// Close stops the cleanup loop, shuts the task backend down, and closes the
// storage backend.
func (c *Cache) Close(ctx context.Context) error {
	c.cleanupOnce.Do(func() {}) // ensure the loop can no longer start
	select {
	case <-c.cleanupStop:
	default:
		close(c.cleanupStop)
	}
	if err := c.tasks.Shutdown(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := c.backend.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
