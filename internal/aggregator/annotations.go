package aggregator

import "github.com/mark3labs/mcp-go/mcp"

// NormalizeAnnotations always emits the four MCP tool-annotation
// booleans, defaulted to false when an upstream omits them, so every
// aggregated tool descriptor has a uniform shape regardless of how
// sparse the upstream's own advertisement was.
func NormalizeAnnotations(tool mcp.Tool) map[string]any {
	annotations := make(map[string]any, 5)
	existing := tool.Annotations

	if existing.Title != "" {
		annotations["title"] = existing.Title
	}

	if existing.ReadOnlyHint != nil {
		annotations["readOnlyHint"] = *existing.ReadOnlyHint
	} else {
		annotations["readOnlyHint"] = false
	}

	if existing.DestructiveHint != nil {
		annotations["destructiveHint"] = *existing.DestructiveHint
	} else {
		annotations["destructiveHint"] = false
	}

	if existing.IdempotentHint != nil {
		annotations["idempotentHint"] = *existing.IdempotentHint
	} else {
		annotations["idempotentHint"] = false
	}

	if existing.OpenWorldHint != nil {
		annotations["openWorldHint"] = *existing.OpenWorldHint
	} else {
		annotations["openWorldHint"] = false
	}

	return annotations
}
