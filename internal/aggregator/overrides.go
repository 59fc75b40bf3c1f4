package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// AnnotationOverride rewrites individual MCP tool-annotation hints.
type AnnotationOverride struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `json:"openWorldHint,omitempty"`
}

// ToolOverride is one tool's overlay: enable/disable plus annotation
// rewrites, applied on top of whatever the upstream reported.
type ToolOverride struct {
	Enabled     *bool               `json:"enabled,omitempty"`
	Description *string             `json:"description,omitempty"`
	Annotations *AnnotationOverride `json:"annotations,omitempty"`
}

// serverFragment scopes a set of tool overrides (plus a server-wide
// enable flag) to one server name; "*" in Tools matches any tool.
type serverFragment struct {
	Enabled *bool                    `json:"enabled,omitempty"`
	Tools   map[string]*ToolOverride `json:"tools,omitempty"`
}

// OverrideFile is the on-disk shape of a namespace's overrides document:
// a namespace-wide "master" fragment plus one fragment per server name.
type OverrideFile struct {
	Master  *serverFragment            `json:"master,omitempty"`
	Servers map[string]*serverFragment `json:"servers,omitempty"`
}

// OverrideSet is a loaded, ready-to-consult OverrideFile.
type OverrideSet struct {
	master  *serverFragment
	servers map[string]*serverFragment
}

// LoadOverrides reads and parses an overrides document from path. An
// empty path or a missing file is not an error: it simply means no
// overrides apply.
func LoadOverrides(path string) (*OverrideSet, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read overrides file %s: %w", path, err)
	}
	var raw OverrideFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse overrides file %s: %w", path, err)
	}
	if raw.Master == nil && len(raw.Servers) == 0 {
		return nil, nil
	}
	return &OverrideSet{master: raw.Master, servers: raw.Servers}, nil
}

// enabledFor resolves whether toolName on serverName survives: a
// server-scoped tool override wins over a server-wide enable flag,
// which wins over the master fragment's equivalents, checked in that
// specificity order so a namespace admin can disable everything and
// re-enable one tool with a single extra line.
func (s *OverrideSet) enabledFor(serverName, toolName string) bool {
	if s == nil {
		return true
	}
	enabled := true
	if v := fragmentEnabled(s.master); v != nil {
		enabled = *v
	}
	if v := fragmentToolEnabled(s.master, toolName); v != nil {
		enabled = *v
	}
	frag := s.servers[serverName]
	if v := fragmentEnabled(frag); v != nil {
		enabled = *v
	}
	if v := fragmentToolEnabled(frag, toolName); v != nil {
		enabled = *v
	}
	return enabled
}

// describe resolves the merged description/annotation overrides for one
// tool, applying master then server-scoped overrides in that order.
func (s *OverrideSet) describe(serverName, toolName string) *ToolOverride {
	if s == nil {
		return nil
	}
	merged := &ToolOverride{}
	apply := func(frag *serverFragment) {
		if frag == nil || frag.Tools == nil {
			return
		}
		for _, key := range []string{"*", toolName} {
			cfg, ok := frag.Tools[key]
			if !ok || cfg == nil {
				continue
			}
			if cfg.Description != nil {
				merged.Description = cfg.Description
			}
			if cfg.Annotations != nil {
				if merged.Annotations == nil {
					merged.Annotations = &AnnotationOverride{}
				}
				mergeAnnotationOverride(merged.Annotations, cfg.Annotations)
			}
		}
	}
	apply(s.master)
	apply(s.servers[serverName])
	if merged.Description == nil && merged.Annotations == nil {
		return nil
	}
	return merged
}

func mergeAnnotationOverride(dst, src *AnnotationOverride) {
	if src.ReadOnlyHint != nil {
		dst.ReadOnlyHint = src.ReadOnlyHint
	}
	if src.DestructiveHint != nil {
		dst.DestructiveHint = src.DestructiveHint
	}
	if src.IdempotentHint != nil {
		dst.IdempotentHint = src.IdempotentHint
	}
	if src.OpenWorldHint != nil {
		dst.OpenWorldHint = src.OpenWorldHint
	}
}

func fragmentEnabled(f *serverFragment) *bool {
	if f == nil {
		return nil
	}
	return f.Enabled
}

func fragmentToolEnabled(f *serverFragment, toolName string) *bool {
	if f == nil || f.Tools == nil {
		return nil
	}
	if cfg, ok := f.Tools[toolName]; ok && cfg != nil && cfg.Enabled != nil {
		return cfg.Enabled
	}
	if cfg, ok := f.Tools["*"]; ok && cfg != nil && cfg.Enabled != nil {
		return cfg.Enabled
	}
	return nil
}

// Overrides layers an OverrideSet on top of list_tools/call_tool the
// same way FilterTools layers namespace-tool-mapping enablement: drop
// disabled tools from the catalog, reject calls against them, and
// rewrite descriptions/annotations on survivors.
func Overrides(set *OverrideSet) Middleware {
	return func(next Handler) Handler {
		return &overridesHandler{next: next, set: set}
	}
}

type overridesHandler struct {
	next Handler
	set  *OverrideSet
}

func (o *overridesHandler) ListTools(ctx context.Context, req ListToolsRequest) (ListToolsResponse, error) {
	resp, err := o.next.ListTools(ctx, req)
	if err != nil || o.set == nil {
		return resp, err
	}
	filtered := resp.Tools[:0]
	for _, t := range resp.Tools {
		if !o.set.enabledFor(t.ServerName, t.OriginalName) {
			continue
		}
		if cfg := o.set.describe(t.ServerName, t.OriginalName); cfg != nil {
			if cfg.Description != nil {
				t.Description = *cfg.Description
			}
			if cfg.Annotations != nil {
				t.Annotations = applyAnnotationOverride(t.Annotations, cfg.Annotations)
			}
		}
		filtered = append(filtered, t)
	}
	resp.Tools = filtered
	return resp, nil
}

func applyAnnotationOverride(base map[string]any, override *AnnotationOverride) map[string]any {
	if base == nil {
		base = make(map[string]any, 4)
	}
	if override.ReadOnlyHint != nil {
		base["readOnlyHint"] = *override.ReadOnlyHint
	}
	if override.DestructiveHint != nil {
		base["destructiveHint"] = *override.DestructiveHint
	}
	if override.IdempotentHint != nil {
		base["idempotentHint"] = *override.IdempotentHint
	}
	if override.OpenWorldHint != nil {
		base["openWorldHint"] = *override.OpenWorldHint
	}
	return base
}

func (o *overridesHandler) CallTool(ctx context.Context, req CallToolRequest) (CallToolResponse, error) {
	if o.set == nil {
		return o.next.CallTool(ctx, req)
	}
	serverPrefix, originalName, ok := SplitPrefixedName(req.Name)
	if !ok {
		return o.next.CallTool(ctx, req)
	}
	serverName := serverPrefix
	if _, exact := o.set.servers[serverPrefix]; !exact {
		for name := range o.set.servers {
			if Sanitize(name) == serverPrefix {
				serverName = name
				break
			}
		}
	}
	if !o.set.enabledFor(serverName, originalName) {
		return errorResult("tool is disabled by namespace overrides"), nil
	}
	return o.next.CallTool(ctx, req)
}
