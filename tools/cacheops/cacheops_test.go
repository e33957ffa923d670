package cacheops

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/refcache"
	"github.com/nevindra/refcache/mcp"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *refcache.Cache) {
	t.Helper()
	cache, err := refcache.New("test", refcache.WithSizeMode(refcache.ModeByte))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cache.Close(ctx)
	})
	return New(cache, opts...), cache
}

func handlerByName(t *testing.T, r *Registry, name string) mcp.ToolHandler {
	t.Helper()
	for _, h := range r.Handlers() {
		if h.Definition.Name == name {
			return h
		}
	}
	t.Fatalf("no handler named %s", name)
	return mcp.ToolHandler{}
}

func resultText(t *testing.T, res mcp.ToolCallResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty result content")
	}
	return res.Content[0].Text
}

func TestHandlers_CoverAllOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	want := map[string]bool{
		"get_cached_result": false,
		"list_cached_keys":  false,
		"cache_stats":       false,
		"clear_cache":       false,
		"cancel_task":       false,
		"retry_task":        false,
	}
	for _, h := range r.Handlers() {
		if _, ok := want[h.Definition.Name]; !ok {
			t.Errorf("unexpected handler %q", h.Definition.Name)
		}
		want[h.Definition.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing handler %q", name)
		}
	}
}

func TestGetCachedResult_ReturnsStoredValue(t *testing.T) {
	r, cache := newTestRegistry(t, WithActor(refcache.User("alice")))
	ctx := context.Background()

	refID, err := cache.Set(ctx, "k", map[string]any{"answer": 42})
	if err != nil {
		t.Fatal(err)
	}

	h := handlerByName(t, r, "get_cached_result")
	res := h.Execute(ctx, json.RawMessage(`{"ref_id":"`+refID+`"}`))
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, res))
	}
	var resp refcache.Response
	if err := json.Unmarshal([]byte(resultText(t, res)), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.IsComplete || resp.RefID != refID {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetCachedResult_OpaqueOnUnknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := handlerByName(t, r, "get_cached_result")
	res := h.Execute(context.Background(), json.RawMessage(`{"ref_id":"test:0123456789abcdef"}`))
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	if got := resultText(t, res); got != refcache.OpaqueMessage {
		t.Errorf("error text = %q, want the opaque message", got)
	}
}

func TestAdminTools_DenyAgents(t *testing.T) {
	r, _ := newTestRegistry(t, WithActor(refcache.Agent("bot")))
	for _, name := range []string{"list_cached_keys", "clear_cache", "cancel_task", "retry_task"} {
		h := handlerByName(t, r, name)
		res := h.Execute(context.Background(), json.RawMessage(`{"ref_id":"test:0123456789abcdef"}`))
		if !res.IsError {
			t.Errorf("%s allowed an agent actor", name)
		}
		if !strings.Contains(resultText(t, res), "user or system") {
			t.Errorf("%s denial text = %q", name, resultText(t, res))
		}
	}
}

func TestClearCache_UserScope(t *testing.T) {
	r, cache := newTestRegistry(t, WithActor(refcache.User("alice")))
	ctx := context.Background()
	if _, err := cache.Set(ctx, "k", "v", refcache.SetNamespace("user:alice"), refcache.SetActor(refcache.User("alice"))); err != nil {
		t.Fatal(err)
	}

	h := handlerByName(t, r, "clear_cache")
	res := h.Execute(ctx, json.RawMessage(`{"namespace":"user:alice"}`))
	if res.IsError {
		t.Fatalf("clear failed: %s", resultText(t, res))
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatal(err)
	}
	if out.Removed != 1 {
		t.Errorf("removed = %d, want 1", out.Removed)
	}
}

func TestCacheStats_OpenToAllRoles(t *testing.T) {
	r, _ := newTestRegistry(t, WithActor(refcache.Agent("bot")))
	h := handlerByName(t, r, "cache_stats")
	res := h.Execute(context.Background(), nil)
	if res.IsError {
		t.Fatalf("stats failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), `"name":"test"`) {
		t.Errorf("stats = %s", resultText(t, res))
	}
}

func TestCancelTask_UnknownIsFalse(t *testing.T) {
	r, _ := newTestRegistry(t, WithActor(refcache.User("alice")))
	h := handlerByName(t, r, "cancel_task")
	res := h.Execute(context.Background(), json.RawMessage(`{"ref_id":"test:0123456789abcdef"}`))
	if res.IsError {
		t.Fatalf("cancel errored: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), `"cancelled":false`) {
		t.Errorf("result = %s", resultText(t, res))
	}
}

func TestWrap_ServesCachedToolOverMCP(t *testing.T) {
	r, cache := newTestRegistry(t, WithActor(refcache.User("alice")))
	ctx := context.Background()

	tool := cache.Wrap(refcache.ToolDefinition{
		Name:        "lookup",
		Description: "Looks things up.",
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"found": args["q"]}, nil
	})

	h := r.Wrap(tool)
	if h.Definition.Name != "lookup" {
		t.Errorf("name = %q", h.Definition.Name)
	}
	if !strings.Contains(h.Definition.Description, "get_cached_result") {
		t.Error("advertised description lacks the polling pointer")
	}

	res := h.Execute(ctx, json.RawMessage(`{"q":"tides"}`))
	if res.IsError {
		t.Fatalf("call failed: %s", resultText(t, res))
	}
	var resp refcache.Response
	if err := json.Unmarshal([]byte(resultText(t, res)), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.IsComplete {
		t.Errorf("response = %+v", resp)
	}
}
