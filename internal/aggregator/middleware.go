package aggregator

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/gateway/internal/apperr"
	"github.com/metamcp/gateway/internal/cache"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/repository"
)

// FilterTools drops disabled tools from list_tools responses and
// rejects calls against disabled tools with a structured error result
// rather than an error return, so a disabled tool never surfaces as a
// transport-level failure.
func FilterTools(tools repository.Tools) Middleware {
	return func(next Handler) Handler {
		return &filterToolsHandler{next: next, tools: tools}
	}
}

type filterToolsHandler struct {
	next  Handler
	tools repository.Tools
}

func (f *filterToolsHandler) ListTools(ctx context.Context, req ListToolsRequest) (ListToolsResponse, error) {
	resp, err := f.next.ListTools(ctx, req)
	if err != nil {
		return resp, err
	}
	statuses, err := f.statusIndex(ctx, req.NamespaceUUID)
	if err != nil {
		return resp, err
	}
	filtered := resp.Tools[:0]
	for _, t := range resp.Tools {
		if status, ok := statuses[toolKey{t.ServerUUID, t.OriginalName}]; ok && status == model.MappingInactive {
			continue
		}
		filtered = append(filtered, t)
	}
	resp.Tools = filtered
	return resp, nil
}

func (f *filterToolsHandler) CallTool(ctx context.Context, req CallToolRequest) (CallToolResponse, error) {
	_, originalName, ok := SplitPrefixedName(req.Name)
	if !ok {
		return f.next.CallTool(ctx, req)
	}
	statuses, err := f.statusIndex(ctx, req.NamespaceUUID)
	if err != nil {
		return CallToolResponse{}, err
	}
	for key, status := range statuses {
		if status == model.MappingInactive && key.toolName == originalName {
			return errorResult("tool is disabled in this namespace"), nil
		}
	}
	return f.next.CallTool(ctx, req)
}

type toolKey struct {
	serverUUID string
	toolName   string
}

func (f *filterToolsHandler) statusIndex(ctx context.Context, namespaceUUID string) (map[toolKey]model.MappingStatus, error) {
	mappings, err := f.tools.ToolMappings(ctx, namespaceUUID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load namespace tool mappings", err)
	}
	idx := make(map[toolKey]model.MappingStatus, len(mappings))
	for _, m := range mappings {
		idx[toolKey{m.ServerUUID, m.Name}] = m.Status
	}
	return idx, nil
}

// Cache short-circuits tools/call on an L1/L2 hit and stores successful
// responses for future calls, per a per-tool TTL policy. list_tools is
// left untouched since fanning out to upstreams for a fresh catalog on
// every call is what filterTools/list callers already expect. namespaces
// lets the middleware resolve a call's prefixed name back to the
// upstream's real ServerUUID before keying the cache, so an admin
// invalidation keyed on that UUID actually matches entries produced by
// calls against it.
func Cache(c *cache.Cache, policy cache.TTLPolicy, namespaces repository.Namespaces) Middleware {
	return func(next Handler) Handler {
		return &cacheHandler{next: next, cache: c, policy: policy, namespaces: namespaces}
	}
}

type cacheHandler struct {
	next       Handler
	cache      *cache.Cache
	policy     cache.TTLPolicy
	namespaces repository.Namespaces
}

func (c *cacheHandler) ListTools(ctx context.Context, req ListToolsRequest) (ListToolsResponse, error) {
	return c.next.ListTools(ctx, req)
}

func (c *cacheHandler) CallTool(ctx context.Context, req CallToolRequest) (CallToolResponse, error) {
	serverPrefix, originalName, ok := SplitPrefixedName(req.Name)
	if !ok {
		return c.next.CallTool(ctx, req)
	}
	ttl := c.policy.TTLFor(originalName)

	var serverUUID string
	if ttl > 0 {
		match, err := ResolveServerMapping(ctx, c.namespaces, req.NamespaceUUID, serverPrefix, req.IncludeInactive)
		if err != nil {
			// Can't resolve a stable cache key; fall through uncached
			// rather than fail the call outright over a cache-layer
			// miss — the next handler in the chain will surface the
			// same "unknown server" error if it's genuine.
			return c.next.CallTool(ctx, req)
		}
		serverUUID = match.ServerUUID

		key := cache.Key(serverUUID, originalName, req.NamespaceUUID, req.Arguments)
		if payload, hit := c.cache.Get(ctx, key); hit {
			var result mcp.CallToolResult
			if err := json.Unmarshal(payload, &result); err == nil {
				return CallToolResponse{Result: &result}, nil
			}
		}
	}

	resp, err := c.next.CallTool(ctx, req)
	if err != nil || resp.IsError || resp.Result == nil {
		return resp, err
	}
	if ttl > 0 {
		if payload, err := json.Marshal(resp.Result); err == nil {
			key := cache.Key(serverUUID, originalName, req.NamespaceUUID, req.Arguments)
			c.cache.Set(ctx, key, payload, ttl)
		}
	}
	return resp, nil
}
