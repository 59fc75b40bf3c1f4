// Package model holds the entities shared across the gateway core:
// servers, namespaces, tools, API keys, and the in-memory session and
// connection bookkeeping the core owns itself.
package model

import "time"

// ServerKind identifies how an upstream MCP server is reached.
type ServerKind string

const (
	ServerKindStdio           ServerKind = "STDIO"
	ServerKindSSE             ServerKind = "SSE"
	ServerKindStreamableHTTP  ServerKind = "STREAMABLE_HTTP"
)

// ErrorStatus is the persisted crash/health state of an upstream server.
type ErrorStatus string

const (
	ErrorStatusNone  ErrorStatus = "NONE"
	ErrorStatusError ErrorStatus = "ERROR"
)

// MappingStatus is the enablement state of a server or tool within a namespace.
type MappingStatus string

const (
	MappingActive   MappingStatus = "ACTIVE"
	MappingInactive MappingStatus = "INACTIVE"
)

// McpServer is an upstream MCP server definition. Immutable under the
// core: CRUD lives outside this module.
type McpServer struct {
	ServerUUID  string
	Name        string
	Kind        ServerKind
	Command     string
	Args        []string
	Env         map[string]string
	Cwd         string
	URL         string
	BearerToken string
	ErrorStatus ErrorStatus
}

// Validate enforces that a STDIO server sets a command and not a url,
// and that a networked server sets a url and not a command.
func (s McpServer) Validate() error {
	hasCommand := s.Command != ""
	hasURL := s.URL != ""
	switch s.Kind {
	case ServerKindStdio:
		if !hasCommand || hasURL {
			return errInvalidServer{s.ServerUUID, "STDIO server must set command and not url"}
		}
	case ServerKindSSE, ServerKindStreamableHTTP:
		if !hasURL || hasCommand {
			return errInvalidServer{s.ServerUUID, "networked server must set url and not command"}
		}
	default:
		return errInvalidServer{s.ServerUUID, "unknown server kind " + string(s.Kind)}
	}
	return nil
}

type errInvalidServer struct {
	uuid string
	msg  string
}

func (e errInvalidServer) Error() string { return e.uuid + ": " + e.msg }

// Namespace bundles a set of servers presented to clients as one
// aggregated MCP endpoint.
type Namespace struct {
	NamespaceUUID string
	Name          string
}

// NamespaceServerMapping binds a server into a namespace's catalog.
type NamespaceServerMapping struct {
	NamespaceUUID string
	ServerUUID    string
	ServerParams  McpServer
	Status        MappingStatus
}

// Tool is a callable operation advertised by an McpServer.
type Tool struct {
	ToolUUID   string
	ServerUUID string
	Name       string
	Schema     []byte // raw JSON Schema
}

// NamespaceToolMapping is the per-namespace enablement of a tool.
type NamespaceToolMapping struct {
	ToolUUID      string
	ServerUUID    string
	NamespaceUUID string
	Name          string
	Status        MappingStatus
}

// ApiKey is an opaque bearer credential scoping session ownership and
// upstream isolation. The secret itself is never persisted in the core;
// only the validation result is.
type ApiKey struct {
	KeyUUID  string
	Key      string
	IsActive bool
}

// ApiKeyValidation is the result of validating a caller-supplied secret.
type ApiKeyValidation struct {
	Valid  bool
	KeyUUID string
	UserID string
}

// SessionTransport identifies the MCP transport modality bound to a session.
type SessionTransport string

const (
	TransportStreamableHTTP SessionTransport = "STREAMABLE_HTTP"
	TransportSSE            SessionTransport = "SSE"
)

// CacheEntry is a status-reporting projection of a cached response; the
// cache package keeps its own richer internal representation.
type CacheEntry struct {
	ServerUUID      string
	ToolName        string
	NamespaceUUID   string
	ArgsFingerprint string
	Payload         []byte
	CachedAt        time.Time
	TTL             time.Duration
	HitCount        int
}
