// Package metamcpserver builds one per-(namespace, API-key) session
// handler: the middleware-composed aggregator chain plus the metadata a
// session needs to answer initialize.
package metamcpserver

import (
	"context"

	"github.com/metamcp/gateway/internal/aggregator"
)

// Capabilities mirrors the subset of MCP server capabilities this
// gateway ever advertises: tools only. Resources and prompts aggregation
// is not implemented.
type Capabilities struct {
	Tools struct{} `json:"tools"`
}

// Identity describes who is asking: which namespace, which API key, and
// (if resolved) which user owns the key.
type Identity struct {
	NamespaceUUID          string
	ApiKeyUUID             string
	UserID                 string
	IncludeInactiveServers bool
}

// Instance is a ready-to-use per-session MCP surface: everything the
// router needs to answer initialize/tools-list/tools-call for one
// session, plus a cleanup hook run when the session closes.
type Instance struct {
	Identity     Identity
	Capabilities Capabilities
	Handler      aggregator.Handler
	cleanup      func()
}

// ListTools and CallTool are thin pass-throughs to Handler, scoped with
// this instance's Identity so router code never has to thread namespace
// and API-key values through every call site.
func (in *Instance) ListTools(ctx context.Context) (aggregator.ListToolsResponse, error) {
	return in.Handler.ListTools(ctx, aggregator.ListToolsRequest{
		NamespaceUUID:   in.Identity.NamespaceUUID,
		ApiKeyUUID:      in.Identity.ApiKeyUUID,
		IncludeInactive: in.Identity.IncludeInactiveServers,
	})
}

func (in *Instance) CallTool(ctx context.Context, name string, arguments map[string]any, progressToken string) (aggregator.CallToolResponse, error) {
	return in.Handler.CallTool(ctx, aggregator.CallToolRequest{
		NamespaceUUID:   in.Identity.NamespaceUUID,
		ApiKeyUUID:      in.Identity.ApiKeyUUID,
		Name:            name,
		Arguments:       arguments,
		ProgressToken:   progressToken,
		IncludeInactive: in.Identity.IncludeInactiveServers,
	})
}

// Cleanup revokes any per-session scratch state. It never touches the
// underlying API-key connection bucket, since other sessions may share
// it.
func (in *Instance) Cleanup() {
	if in.cleanup != nil {
		in.cleanup()
	}
}

// Factory builds Instances from a fixed middleware chain shared by every
// session opened against one namespace/handler configuration.
type Factory struct {
	base  *aggregator.BaseHandler
	chain aggregator.Middleware
}

// New builds a Factory. chain is typically
// aggregator.Compose(aggregator.FilterTools(tools), aggregator.Cache(cache, policy, namespaces))
// applied over base.
func New(base *aggregator.BaseHandler, chain aggregator.Middleware) *Factory {
	return &Factory{base: base, chain: chain}
}

// Open produces a fresh Instance for one session's Identity. Each call
// gets its own Handler chain instance so per-session middleware state
// (none today, but middlewares are free to add it) never leaks across
// sessions sharing the same Factory.
func (f *Factory) Open(id Identity) *Instance {
	var h aggregator.Handler = f.base
	if f.chain != nil {
		h = f.chain(f.base)
	}
	return &Instance{
		Identity:     id,
		Capabilities: Capabilities{},
		Handler:      h,
		cleanup:      func() {},
	}
}
