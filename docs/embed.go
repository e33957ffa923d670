// Package docs embeds the client-facing refcache documentation and exposes
// it as MCP resources, so assistants connected to the server can read how
// references, previews, and background tasks behave.
package docs

import (
	"embed"

	"github.com/nevindra/refcache/mcp"
)

//go:embed USAGE.md REFERENCES.md
var fs embed.FS

// Resources returns the embedded documents as MCP resources.
func Resources() []mcp.Resource {
	entries := []struct {
		file, uri, name, description string
	}{
		{
			file:        "USAGE.md",
			uri:         "refcache://docs/usage",
			name:        "Using refcache",
			description: "How to read cached results, pass references, and poll background tasks",
		},
		{
			file:        "REFERENCES.md",
			uri:         "refcache://docs/references",
			name:        "Reference identifiers",
			description: "Format and guarantees of reference identifiers",
		},
	}

	out := make([]mcp.Resource, 0, len(entries))
	for _, e := range entries {
		content, err := fs.ReadFile(e.file)
		if err != nil {
			continue
		}
		out = append(out, mcp.Resource{
			URI:         e.uri,
			Name:        e.name,
			Description: e.description,
			MimeType:    "text/markdown",
			Read:        func() string { return string(content) },
		})
	}
	return out
}
