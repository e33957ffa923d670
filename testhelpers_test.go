package refcache

import (
	"context"
	"testing"
	"time"
)

// newTestCache builds a cache on a byte measurer so size thresholds in tests
// are exact. Callers append options as needed.
func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	base := []Option{WithSizeMode(ModeByte)}
	c, err := New("test", append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

// mustSet stores a value and fails the test on error.
func mustSet(t *testing.T, c *Cache, key, value any, opts ...SetOption) string {
	t.Helper()
	refID, err := c.Set(context.Background(), key, value, opts...)
	if err != nil {
		t.Fatalf("Set(%v): %v", key, err)
	}
	return refID
}

// waitDone blocks until the task reaches a terminal state or the test times
// out.
func waitDone(t *testing.T, tasks TaskBackend, taskID string) {
	t.Helper()
	select {
	case <-tasks.Done(taskID):
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not finish", taskID)
	}
}

// bigList returns n distinct items, enough to exceed small byte limits.
func bigList(n int) []any {
	items := make([]any, n)
	for i := range items {
		items[i] = map[string]any{"index": i, "payload": "xxxxxxxxxxxxxxxxxxxxxxxx"}
	}
	return items
}
