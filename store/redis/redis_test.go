package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/refcache"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := New("", WithClient(client))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	return b, srv
}

func TestSetGetRoundtrip(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	in := refcache.Entry{
		Value:     map[string]any{"label": "x", "rows": []any{1.0, 2.0}},
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
	if out.Namespace != in.Namespace {
		t.Errorf("namespace = %q", out.Namespace)
	}
	if out.Value.(map[string]any)["label"] != "x" {
		t.Errorf("value = %#v", out.Value)
	}
	if out.Metadata["tool"] != "search" {
		t.Errorf("metadata = %v", out.Metadata)
	}
}

func TestGetMissingIsNilNil(t *testing.T) {
	b, _ := newTestBackend(t)
	e, err := b.Get(context.Background(), "test:ffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("entry = %+v, want nil", e)
	}
}

func TestNativeTTLEvictsEntry(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	e := refcache.Entry{
		Value:     "v",
		Namespace: "public",
		ExpiresAt: time.Now().Add(30 * time.Second).Unix(),
	}
	if err := b.Set(ctx, "test:0123456789abcdef", e); err != nil {
		t.Fatal(err)
	}
	if got, _ := b.Get(ctx, "test:0123456789abcdef"); got == nil {
		t.Fatal("entry expired early")
	}

	srv.FastForward(time.Minute)
	if got, _ := b.Get(ctx, "test:0123456789abcdef"); got != nil {
		t.Error("entry survived its TTL")
	}
}

func TestExpiryCheckedOnDecode(t *testing.T) {
	// A blob whose embedded expiry has lapsed but whose service TTL has not
	// yet evicted it must still read as missing.
	b, _ := newTestBackend(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	e := refcache.Entry{Value: "v", Namespace: "public", ExpiresAt: now.Unix() + 10}
	if err := b.Set(ctx, "test:0123456789abcdef", e); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Minute)
	if got, _ := b.Get(ctx, "test:0123456789abcdef"); got != nil {
		t.Error("lapsed entry still readable before eviction")
	}
}

func TestDelete(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	_ = b.Set(ctx, "test:0123456789abcdef", refcache.Entry{Value: "v", Namespace: "public"})

	removed, err := b.Delete(ctx, "test:0123456789abcdef")
	if err != nil || !removed {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = b.Delete(ctx, "test:0123456789abcdef")
	if err != nil || removed {
		t.Errorf("second Delete = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestClearAndKeysByNamespace(t *testing.T) {
	b, _ := newTestBackend(t)
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
	for _, k := range keys {
		if k != "test:aaaaaaaaaaaaaaaa" && k != "test:bbbbbbbbbbbbbbbb" {
			t.Errorf("prefix not stripped from key %q", k)
		}
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
}

func TestPrefixIsolation(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a, err := New("", WithClient(client), WithPrefix("cache-a"))
	if err != nil {
		t.Fatal(err)
	}
	bb, err := New("", WithClient(client), WithPrefix("cache-b"))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	_ = a.Set(ctx, "test:0123456789abcdef", refcache.Entry{Value: "from-a", Namespace: "public"})

	if e, _ := bb.Get(ctx, "test:0123456789abcdef"); e != nil {
		t.Error("prefixes share entries")
	}
	keys, _ := bb.Keys(ctx, "")
	if len(keys) != 0 {
		t.Errorf("cache-b sees %v", keys)
	}
}
