package refcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBackend is a thread-safe in-process Backend: one map guarded by one
// mutex, TTL checked lazily on read. It is the default backend and the one
// tests use.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
	logger  *slog.Logger
	now     func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryLogger sets a structured logger for per-operation debug logs.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryBackend) { m.logger = l }
}

// withMemoryClock overrides the time source. Test hook.
func withMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		entries: make(map[string]Entry),
		logger:  nopLogger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if e.Expired(m.now()) {
		delete(m.entries, key)
		m.logger.Debug("memory: expired entry dropped", "key", key)
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	m.logger.Debug("memory: set", "key", key, "namespace", e.Namespace)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	e, err := m.Get(ctx, key)
	return e != nil, err
}

func (m *MemoryBackend) Clear(_ context.Context, namespace string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if namespace == "" || e.Namespace == namespace {
			delete(m.entries, k)
			removed++
		}
	}
	m.logger.Debug("memory: clear", "namespace", namespace, "removed", removed)
	return removed, nil
}

func (m *MemoryBackend) Keys(_ context.Context, namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var keys []string
	for k, e := range m.entries {
		if e.Expired(now) {
			continue
		}
		if namespace == "" || e.Namespace == namespace {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryBackend) Close() error { return nil }
