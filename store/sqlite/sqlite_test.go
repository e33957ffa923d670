package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/refcache"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(filepath.Join(t.TempDir(), "cache.db"))
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSetGetRoundtrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	in := refcache.Entry{
		Value:     map[string]any{"rows": []any{1.0, 2.0}, "label": "x"},
		Namespace: "user:alice",
		Policy:    refcache.DefaultPolicy(),
		CreatedAt: time.Now().Unix(),
		Metadata:  map[string]string{"tool": "search"},
	}
	if err := b.Set(ctx, "test:0123456789abcdef", in); err != nil {
		t.Fatal(err)
	}

	out, err := b.Get(ctx, "test:0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Fatal("entry missing after set")
	}
	if out.Namespace != in.Namespace || out.CreatedAt != in.CreatedAt {
		t.Errorf("entry = %+v", out)
	}
	value := out.Value.(map[string]any)
	if value["label"] != "x" {
		t.Errorf("value = %#v", out.Value)
	}
	if out.Policy.AgentPermissions != in.Policy.AgentPermissions {
		t.Errorf("policy = %+v", out.Policy)
	}
	if out.Metadata["tool"] != "search" {
		t.Errorf("metadata = %v", out.Metadata)
	}
}

func TestGetMissingIsNilNil(t *testing.T) {
	b := newTestBackend(t)
	e, err := b.Get(context.Background(), "test:ffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("entry = %+v, want nil", e)
	}
}

func TestSetReplacesInPlace(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	key := "test:0123456789abcdef"

	_ = b.Set(ctx, key, refcache.Entry{Value: "first", Namespace: "public"})
	if err := b.Set(ctx, key, refcache.Entry{Value: "second", Namespace: "public"}); err != nil {
		t.Fatal(err)
	}
	e, err := b.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if e.Value != "second" {
		t.Errorf("value = %v, want second", e.Value)
	}
}

func TestExpiryEnforcedInQuery(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	key := "test:0123456789abcdef"
	_ = b.Set(ctx, key, refcache.Entry{
		Value:     "v",
		Namespace: "public",
		ExpiresAt: now.Unix() + 60,
	})

	if e, _ := b.Get(ctx, key); e == nil {
		t.Fatal("entry expired early")
	}
	if ok, _ := b.Exists(ctx, key); !ok {
		t.Fatal("Exists = false for a live entry")
	}

	now = now.Add(61 * time.Second)
	if e, _ := b.Get(ctx, key); e != nil {
		t.Error("expired entry still readable")
	}
	if ok, _ := b.Exists(ctx, key); ok {
		t.Error("Exists = true for an expired entry")
	}
	keys, _ := b.Keys(ctx, "")
	if len(keys) != 0 {
		t.Errorf("Keys = %v, want none", keys)
	}
}

func TestPurgeExpired(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	_ = b.Set(ctx, "test:aaaaaaaaaaaaaaaa", refcache.Entry{Value: "v", Namespace: "public", ExpiresAt: now.Unix() + 10})
	_ = b.Set(ctx, "test:bbbbbbbbbbbbbbbb", refcache.Entry{Value: "v", Namespace: "public"})

	now = now.Add(time.Minute)
	n, err := b.PurgeExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if e, _ := b.Get(ctx, "test:bbbbbbbbbbbbbbbb"); e == nil {
		t.Error("unexpiring entry was purged")
	}
}

func TestDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	key := "test:0123456789abcdef"
	_ = b.Set(ctx, key, refcache.Entry{Value: "v", Namespace: "public"})

	removed, err := b.Delete(ctx, key)
	if err != nil || !removed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = b.Delete(ctx, key)
	if err != nil || removed {
		t.Errorf("second Delete = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestClearAndKeysByNamespace(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	_ = b.Set(ctx, "test:aaaaaaaaaaaaaaaa", refcache.Entry{Namespace: "user:alice", Value: "v"})
	_ = b.Set(ctx, "test:bbbbbbbbbbbbbbbb", refcache.Entry{Namespace: "user:alice", Value: "v"})
	_ = b.Set(ctx, "test:cccccccccccccccc", refcache.Entry{Namespace: "user:bob", Value: "v"})

	keys, err := b.Keys(ctx, "user:alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("alice keys = %v, want two", keys)
	}

	n, err := b.Clear(ctx, "user:alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	keys, _ = b.Keys(ctx, "")
	if len(keys) != 1 || keys[0] != "test:cccccccccccccccc" {
		t.Errorf("remaining keys = %v", keys)
	}

	n, err = b.Clear(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("full clear removed %d, want 1", n)
	}
}
