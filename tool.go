package refcache

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a wrappable tool: name, human-readable
// description, and JSON Schemas for its input and natural output. The
// output schema is what FULL processing responses report so clients can
// prepare parsing before the task completes.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolFunc is a tool implementation. Arguments arrive with every reference
// identifier already resolved; implementations treat them as read-only.
// Long-running tools should honor ctx cancellation and may report progress
// through ProgressFromContext.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)
