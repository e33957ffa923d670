package refcache

import (
	"context"
	"errors"
	"testing"
)

func TestResolveRefs_PassesPlainValuesThrough(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	in := map[string]any{
		"text":  "not a reference",
		"n":     float64(7),
		"b":     true,
		"items": []any{"a", "b"},
	}
	out, err := c.ResolveRefs(ctx, in, System())
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["text"] != "not a reference" || m["n"] != float64(7) || m["b"] != true {
		t.Errorf("plain values changed: %#v", m)
	}
}

func TestResolveRefs_ReplacesNestedRefs(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	refID := mustSet(t, c, "data", map[string]any{"rows": []any{1.0, 2.0}})
	in := map[string]any{
		"query": "summarize",
		"input": map[string]any{"source": refID},
		"list":  []any{refID, "literal"},
	}
	out, err := c.ResolveRefs(ctx, in, System())
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	source := m["input"].(map[string]any)["source"].(map[string]any)
	if _, ok := source["rows"]; !ok {
		t.Errorf("nested ref not resolved: %#v", source)
	}
	list := m["list"].([]any)
	if _, ok := list[0].(map[string]any); !ok {
		t.Errorf("ref in list not resolved: %#v", list[0])
	}
	if list[1] != "literal" {
		t.Errorf("literal neighbor changed: %v", list[1])
	}
}

func TestResolveRefs_ChainsExpandFully(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	inner := mustSet(t, c, "inner", "the bottom value")
	outer := mustSet(t, c, "outer", inner) // outer's value is a reference

	out, err := c.ResolveRefs(ctx, outer, System())
	if err != nil {
		t.Fatal(err)
	}
	if out != "the bottom value" {
		t.Errorf("chain resolved to %v, want the bottom value", out)
	}
}

func TestResolveRefs_SiblingRepeatsAreNotCycles(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	refID := mustSet(t, c, "shared", "v")
	out, err := c.ResolveRefs(ctx, []any{refID, refID, map[string]any{"again": refID}}, System())
	if err != nil {
		t.Fatalf("sibling repeats flagged as a cycle: %v", err)
	}
	list := out.([]any)
	if list[0] != "v" || list[1] != "v" {
		t.Errorf("resolved = %#v", list)
	}
}

func TestResolveRefs_CycleFails(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// Mint both ids, then rewrite A's value to point at B and B's at A.
	refA := mustSet(t, c, "a", "placeholder")
	refB := mustSet(t, c, "b", refA)
	mustSet(t, c, "a", refB) // same key, same id, value replaced

	_, err := c.ResolveRefs(ctx, refA, System())
	var circular *ErrCircularRef
	if !errors.As(err, &circular) {
		t.Fatalf("error = %T, want *ErrCircularRef", err)
	}
	chain := circular.Chain
	if len(chain) != 3 {
		t.Fatalf("chain = %v, want three links", chain)
	}
	if chain[0] != refA || chain[1] != refB || chain[2] != refA {
		t.Errorf("chain = %v, want [%s %s %s]", chain, refA, refB, refA)
	}
}

func TestResolveRefs_SelfReferenceFails(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	refID := mustSet(t, c, "self", "placeholder")
	mustSet(t, c, "self", refID)

	_, err := c.ResolveRefs(ctx, refID, System())
	var circular *ErrCircularRef
	if !errors.As(err, &circular) {
		t.Fatalf("error = %T, want *ErrCircularRef", err)
	}
}

func TestResolveRefs_UnresolvableFailsWholeCall(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	good := mustSet(t, c, "good", "v")
	in := []any{good, "test:00000000deadbeef"}
	_, err := c.ResolveRefs(ctx, in, System())
	var op *ErrOpaqueRef
	if !errors.As(err, &op) {
		t.Fatalf("error = %T, want *ErrOpaqueRef", err)
	}
}

func TestResolveRefs_DeniedLooksLikeMissing(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	refID := mustSet(t, c, "private", "v", SetNamespace("user:alice"))
	_, err := c.ResolveRefs(ctx, refID, User("bob"))
	var op *ErrOpaqueRef
	if !errors.As(err, &op) {
		t.Fatalf("error = %T, want *ErrOpaqueRef", err)
	}
}
