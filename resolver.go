package refcache

import "context"

// ResolveRefs walks any nested structure and replaces every string leaf that
// has the reference-identifier wire form with its fully resolved value.
// Resolved values are themselves resolved, so chains expand completely.
//
// Cycle detection is branch-scoped: the visited chain covers only the
// identifiers currently being expanded on the active branch, so the same
// identifier appearing in sibling branches is not a cycle. A true cycle
// fails with ErrCircularRef carrying the chain; any identifier that cannot
// be resolved fails the whole call with the opaque error.
func (c *Cache) ResolveRefs(ctx context.Context, v any, actor Actor) (any, error) {
	return c.resolveDeep(ctx, v, actor, nil)
}

func (c *Cache) resolveDeep(ctx context.Context, v any, actor Actor, visited []string) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsRefID(t) {
			return t, nil
		}
		for _, seen := range visited {
			if seen == t {
				chain := make([]string, 0, len(visited)+1)
				chain = append(chain, visited...)
				chain = append(chain, t)
				return nil, &ErrCircularRef{Chain: chain}
			}
		}
		resolved, err := c.Resolve(ctx, t, actor)
		if err != nil {
			return nil, err
		}
		// Fresh chain per branch; sharing the caller's backing array would
		// leak appends across sibling branches.
		chain := make([]string, 0, len(visited)+1)
		chain = append(chain, visited...)
		chain = append(chain, t)
		return c.resolveDeep(ctx, resolved, actor, chain)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := c.resolveDeep(ctx, item, actor, visited)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := c.resolveDeep(ctx, item, actor, visited)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case nil, bool, float64, int, int64:
		return t, nil
	default:
		// Collapse other Go shapes (structs, typed slices and maps) to the
		// JSON data model so their leaves become walkable.
		g := generic(t)
		switch g.(type) {
		case []any, map[string]any, string:
			return c.resolveDeep(ctx, g, actor, visited)
		}
		return g, nil
	}
}
