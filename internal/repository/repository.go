// Package repository declares the persistence-layer contracts the
// gateway core consumes without implementing administration itself:
// server/namespace/tool/API-key CRUD, the admin frontend, human auth,
// OpenAPI, i18n, and migrations all live outside this module. Two
// implementations live in the sibling memstore and sqlstore packages;
// the core imports only this package.
package repository

import (
	"context"
	"errors"

	"github.com/metamcp/gateway/internal/model"
)

// ErrNotFound is returned by any lookup that finds nothing.
var ErrNotFound = errors.New("repository: not found")

// ApiKeys validates caller-supplied bearer secrets.
type ApiKeys interface {
	Validate(ctx context.Context, secret string) (model.ApiKeyValidation, error)
}

// Servers exposes McpServer definitions and error-state transitions.
type Servers interface {
	FindByID(ctx context.Context, uuid string) (model.McpServer, error)
	FindAll(ctx context.Context) ([]model.McpServer, error)
	SetErrorStatus(ctx context.Context, uuid string, status model.ErrorStatus) error
}

// Namespaces exposes namespace-to-server mappings.
type Namespaces interface {
	ServerMappings(ctx context.Context, namespaceUUID string, includeInactive bool) ([]model.NamespaceServerMapping, error)

	// AllServerMappings returns every ACTIVE namespace-server mapping
	// across every namespace, deduplicating is left to the caller; used
	// by the startup orchestrator to warm only servers actually
	// referenced by some namespace instead of every registered server.
	AllServerMappings(ctx context.Context) ([]model.NamespaceServerMapping, error)
}

// Tools exposes namespace-to-tool enablement mappings.
type Tools interface {
	ToolMappings(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMapping, error)
}

// Repository bundles the four collaborator interfaces the core needs.
// Concrete stores implement all four; tests may compose ad hoc fakes
// satisfying only the interfaces they exercise.
type Repository interface {
	ApiKeys
	Servers
	Namespaces
	Tools
}
