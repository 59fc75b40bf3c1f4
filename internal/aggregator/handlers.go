// Package aggregator implements the fan-out list_tools/call_tool
// handlers and the composable middleware chain sitting in front of
// them.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/apperr"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository"
	"github.com/metamcp/gateway/internal/upstream"
)

// AggregatedTool is one entry in a list_tools response: an upstream
// tool renamed to its {sanitized-server}__{original} form.
type AggregatedTool struct {
	Name         string
	ServerUUID   string
	ServerName   string
	OriginalName string
	Description  string
	InputSchema  mcp.ToolInputSchema
	Annotations  map[string]any
}

// ListToolsRequest scopes a list_tools call to one namespace/API key.
type ListToolsRequest struct {
	NamespaceUUID   string
	ApiKeyUUID      string
	IncludeInactive bool
}

// ListToolsResponse is the aggregated tool catalog.
type ListToolsResponse struct {
	Tools []AggregatedTool
}

// CallToolRequest is an inbound tools/call, still bearing its prefixed name.
type CallToolRequest struct {
	NamespaceUUID string
	ApiKeyUUID    string
	Name          string
	Arguments     map[string]any
	ProgressToken string

	// IncludeInactive must match the same session's tools/list scope,
	// or a tool returned by an inactive-mapped server there becomes
	// unresolvable here.
	IncludeInactive bool
}

// CallToolResponse wraps either a genuine upstream result or a
// structured MCP-level error (IsError=true) produced without ever
// contacting an upstream.
type CallToolResponse struct {
	Result  *mcp.CallToolResult
	IsError bool
}

// Handler is the composable unit both the base aggregator and every
// middleware implement.
type Handler interface {
	ListTools(ctx context.Context, req ListToolsRequest) (ListToolsResponse, error)
	CallTool(ctx context.Context, req CallToolRequest) (CallToolResponse, error)
}

// Middleware wraps a Handler with additional behavior.
type Middleware func(Handler) Handler

// Compose applies middlewares outer-to-inner: Compose(m1, m2)(h) calls
// m1(m2(h)), so m1's pre-phase runs first and its post-phase runs last.
func Compose(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// BaseHandler fans a request out to every server mapped into a
// namespace, acquiring connections through the shared pool.
type BaseHandler struct {
	Namespaces    repository.Namespaces
	Tools         repository.Tools
	Pool          *pool.Pool
	Timeouts      upstream.Timeouts
	ShutdownGrace time.Duration
	Log           *logrus.Entry
}

func NewBaseHandler(namespaces repository.Namespaces, tools repository.Tools, p *pool.Pool, timeouts upstream.Timeouts, shutdownGrace time.Duration, log *logrus.Entry) *BaseHandler {
	return &BaseHandler{Namespaces: namespaces, Tools: tools, Pool: p, Timeouts: timeouts, ShutdownGrace: shutdownGrace, Log: log}
}

type listResult struct {
	mapping model.NamespaceServerMapping
	tools   []AggregatedTool
	err     error
}

// ListTools loads the namespace's server mappings and fans out
// tools/list to each concurrently. A server currently in ERROR state
// falls back to its last-known tool catalog from the repository
// instead of attempting to dial it; any other per-server failure is
// logged and that server's tools are simply omitted.
func (h *BaseHandler) ListTools(ctx context.Context, req ListToolsRequest) (ListToolsResponse, error) {
	mappings, err := h.Namespaces.ServerMappings(ctx, req.NamespaceUUID, req.IncludeInactive)
	if err != nil {
		return ListToolsResponse{}, apperr.Wrap(apperr.KindInternal, "load namespace server mappings", err)
	}

	results := make([]listResult, len(mappings))
	var wg sync.WaitGroup
	for i, m := range mappings {
		wg.Add(1)
		go func(i int, m model.NamespaceServerMapping) {
			defer wg.Done()
			results[i] = h.listOneServer(ctx, req, m)
		}(i, m)
	}
	wg.Wait()

	var out []AggregatedTool
	for _, r := range results {
		if r.err != nil {
			h.Log.WithFields(logrus.Fields{
				"serverUuid": r.mapping.ServerUUID,
				"error":      r.err,
			}).Warn("skipping server in list_tools fan-out")
			continue
		}
		out = append(out, r.tools...)
	}
	return ListToolsResponse{Tools: out}, nil
}

func (h *BaseHandler) listOneServer(ctx context.Context, req ListToolsRequest, m model.NamespaceServerMapping) listResult {
	if m.ServerParams.ErrorStatus == model.ErrorStatusError {
		return h.listFromCatalog(ctx, req, m)
	}

	conn, err := h.Pool.GetConnection(ctx, req.ApiKeyUUID, m.ServerParams, h.Timeouts, h.ShutdownGrace)
	if err != nil {
		return listResult{mapping: m, err: err}
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return listResult{mapping: m, err: err}
	}

	aggregated := make([]AggregatedTool, 0, len(tools))
	for _, t := range tools {
		aggregated = append(aggregated, AggregatedTool{
			Name:         PrefixedName(m.ServerParams.Name, t.Name),
			ServerUUID:   m.ServerUUID,
			ServerName:   m.ServerParams.Name,
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Annotations:  NormalizeAnnotations(t),
		})
	}
	return listResult{mapping: m, tools: aggregated}
}

// listFromCatalog serves the last-known tool set for an ERROR-state
// server from the repository rather than dialing it.
func (h *BaseHandler) listFromCatalog(ctx context.Context, req ListToolsRequest, m model.NamespaceServerMapping) listResult {
	if h.Tools == nil {
		return listResult{mapping: m}
	}
	known, err := h.Tools.ToolMappings(ctx, req.NamespaceUUID)
	if err != nil {
		return listResult{mapping: m, err: err}
	}
	var aggregated []AggregatedTool
	for _, tm := range known {
		if tm.ServerUUID != m.ServerUUID {
			continue
		}
		aggregated = append(aggregated, AggregatedTool{
			Name:         PrefixedName(m.ServerParams.Name, tm.Name),
			ServerUUID:   m.ServerUUID,
			ServerName:   m.ServerParams.Name,
			OriginalName: tm.Name,
		})
	}
	return listResult{mapping: m, tools: aggregated}
}

// CallTool splits the prefixed name, resolves it to exactly one server
// mapping, and forwards the call — unless the resolved server is in
// ERROR state, in which case it returns a structured MCP error result
// without ever dialing out.
func (h *BaseHandler) CallTool(ctx context.Context, req CallToolRequest) (CallToolResponse, error) {
	serverPrefix, originalName, ok := SplitPrefixedName(req.Name)
	if !ok {
		return CallToolResponse{}, apperr.New(apperr.KindInvalidToolName, fmt.Sprintf("tool name %q has no server prefix", req.Name))
	}

	match, err := ResolveServerMapping(ctx, h.Namespaces, req.NamespaceUUID, serverPrefix, req.IncludeInactive)
	if err != nil {
		return CallToolResponse{}, err
	}

	if match.ServerParams.ErrorStatus == model.ErrorStatusError {
		return errorResult("server in error state; reset required"), nil
	}

	conn, err := h.Pool.GetConnection(ctx, req.ApiKeyUUID, match.ServerParams, h.Timeouts, h.ShutdownGrace)
	if err != nil {
		return CallToolResponse{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "acquire connection", err)
	}

	result, err := conn.CallTool(ctx, originalName, req.Arguments, req.ProgressToken)
	if err != nil {
		return CallToolResponse{}, err
	}
	return CallToolResponse{Result: result}, nil
}

// ResolveServerMapping finds the one namespace-server mapping whose
// sanitized server name matches serverPrefix, the same lookup
// BaseHandler.CallTool needs before it can dial the right upstream and
// the cache middleware needs before it can key on the right
// model.McpServer.ServerUUID instead of the prefixed tool name.
// includeInactive must match the scope the caller's tools/list used, or
// a tool advertised from an inactive-mapped server becomes unresolvable
// on the matching tools/call.
func ResolveServerMapping(ctx context.Context, namespaces repository.Namespaces, namespaceUUID, serverPrefix string, includeInactive bool) (*model.NamespaceServerMapping, error) {
	mappings, err := namespaces.ServerMappings(ctx, namespaceUUID, includeInactive)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load namespace server mappings", err)
	}
	for i := range mappings {
		if Sanitize(mappings[i].ServerParams.Name) == serverPrefix {
			return &mappings[i], nil
		}
	}
	return nil, apperr.New(apperr.KindUnknownTool, fmt.Sprintf("no server matches prefix %q", serverPrefix))
}

func errorResult(message string) CallToolResponse {
	return CallToolResponse{
		IsError: true,
		Result: &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: message}},
		},
	}
}
