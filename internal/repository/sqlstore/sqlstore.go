// Package sqlstore is a repository.Repository backed by SQLite via
// modernc.org/sqlite (pure Go, no cgo — the same driver
// 2389-research-coven-gateway and my-take-dev-myT-x use in the retrieval
// pack). It is the production persistence choice for single-node
// deployments that want the repository to survive a restart; sqlstore
// itself owns no business logic beyond translating between rows and
// model types.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS mcp_servers (
	server_uuid  TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	command      TEXT NOT NULL DEFAULT '',
	args_json    TEXT NOT NULL DEFAULT '[]',
	env_json     TEXT NOT NULL DEFAULT '{}',
	cwd          TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	bearer_token TEXT NOT NULL DEFAULT '',
	error_status TEXT NOT NULL DEFAULT 'NONE'
);

CREATE TABLE IF NOT EXISTS namespace_server_mappings (
	namespace_uuid TEXT NOT NULL,
	server_uuid    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'ACTIVE',
	PRIMARY KEY (namespace_uuid, server_uuid)
);

CREATE TABLE IF NOT EXISTS tools (
	tool_uuid   TEXT PRIMARY KEY,
	server_uuid TEXT NOT NULL,
	name        TEXT NOT NULL,
	schema_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS namespace_tool_mappings (
	tool_uuid      TEXT NOT NULL,
	namespace_uuid TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'ACTIVE',
	PRIMARY KEY (tool_uuid, namespace_uuid)
);

CREATE TABLE IF NOT EXISTS api_keys (
	key_uuid  TEXT PRIMARY KEY,
	secret    TEXT NOT NULL UNIQUE,
	is_active INTEGER NOT NULL DEFAULT 1
);

PRAGMA user_version = 1;
`

// Store is a *sql.DB-backed repository.Repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at dsn and
// applies the schema, capping the pool at 2 idle / 20 open connections.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

var _ repository.Repository = (*Store)(nil)

func (s *Store) Validate(ctx context.Context, secret string) (model.ApiKeyValidation, error) {
	var keyUUID string
	var isActive bool
	err := s.db.QueryRowContext(ctx,
		`SELECT key_uuid, is_active FROM api_keys WHERE secret = ?`, secret,
	).Scan(&keyUUID, &isActive)
	if err == sql.ErrNoRows {
		return model.ApiKeyValidation{Valid: false}, nil
	}
	if err != nil {
		return model.ApiKeyValidation{}, fmt.Errorf("validate api key: %w", err)
	}
	if !isActive {
		return model.ApiKeyValidation{Valid: false}, nil
	}
	return model.ApiKeyValidation{Valid: true, KeyUUID: keyUUID}, nil
}

func (s *Store) FindByID(ctx context.Context, uuid string) (model.McpServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_uuid, name, kind, command, args_json, env_json, cwd, url, bearer_token, error_status
		 FROM mcp_servers WHERE server_uuid = ?`, uuid)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return model.McpServer{}, repository.ErrNotFound
	}
	return srv, err
}

func (s *Store) FindAll(ctx context.Context) ([]model.McpServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_uuid, name, kind, command, args_json, env_json, cwd, url, bearer_token, error_status
		 FROM mcp_servers`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []model.McpServer
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) SetErrorStatus(ctx context.Context, uuid string, status model.ErrorStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mcp_servers SET error_status = ? WHERE server_uuid = ?`, string(status), uuid)
	if err != nil {
		return fmt.Errorf("set error status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ServerMappings(ctx context.Context, namespaceUUID string, includeInactive bool) ([]model.NamespaceServerMapping, error) {
	query := `
		SELECT m.namespace_uuid, m.server_uuid, m.status,
		       s.name, s.kind, s.command, s.args_json, s.env_json, s.cwd, s.url, s.bearer_token, s.error_status
		FROM namespace_server_mappings m
		JOIN mcp_servers s ON s.server_uuid = m.server_uuid
		WHERE m.namespace_uuid = ?`
	if !includeInactive {
		query += ` AND m.status = 'ACTIVE'`
	}
	rows, err := s.db.QueryContext(ctx, query, namespaceUUID)
	if err != nil {
		return nil, fmt.Errorf("namespace server mappings: %w", err)
	}
	defer rows.Close()

	var out []model.NamespaceServerMapping
	for rows.Next() {
		var m model.NamespaceServerMapping
		var kind, argsJSON, envJSON, status string
		if err := rows.Scan(&m.NamespaceUUID, &m.ServerUUID, &status,
			&m.ServerParams.Name, &kind, &m.ServerParams.Command, &argsJSON, &envJSON,
			&m.ServerParams.Cwd, &m.ServerParams.URL, &m.ServerParams.BearerToken, &m.ServerParams.ErrorStatus,
		); err != nil {
			return nil, err
		}
		m.Status = model.MappingStatus(status)
		m.ServerParams.ServerUUID = m.ServerUUID
		m.ServerParams.Kind = model.ServerKind(kind)
		_ = json.Unmarshal([]byte(argsJSON), &m.ServerParams.Args)
		_ = json.Unmarshal([]byte(envJSON), &m.ServerParams.Env)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AllServerMappings returns every ACTIVE namespace-server mapping across
// every namespace, used by the startup orchestrator to restrict warm-up
// to servers actually referenced by some namespace.
func (s *Store) AllServerMappings(ctx context.Context) ([]model.NamespaceServerMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.namespace_uuid, m.server_uuid, m.status,
		       s.name, s.kind, s.command, s.args_json, s.env_json, s.cwd, s.url, s.bearer_token, s.error_status
		FROM namespace_server_mappings m
		JOIN mcp_servers s ON s.server_uuid = m.server_uuid
		WHERE m.status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("all server mappings: %w", err)
	}
	defer rows.Close()

	var out []model.NamespaceServerMapping
	for rows.Next() {
		var m model.NamespaceServerMapping
		var kind, argsJSON, envJSON, status string
		if err := rows.Scan(&m.NamespaceUUID, &m.ServerUUID, &status,
			&m.ServerParams.Name, &kind, &m.ServerParams.Command, &argsJSON, &envJSON,
			&m.ServerParams.Cwd, &m.ServerParams.URL, &m.ServerParams.BearerToken, &m.ServerParams.ErrorStatus,
		); err != nil {
			return nil, err
		}
		m.Status = model.MappingStatus(status)
		m.ServerParams.ServerUUID = m.ServerUUID
		m.ServerParams.Kind = model.ServerKind(kind)
		_ = json.Unmarshal([]byte(argsJSON), &m.ServerParams.Args)
		_ = json.Unmarshal([]byte(envJSON), &m.ServerParams.Env)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ToolMappings(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tool_uuid, t.server_uuid, t.name, m.status
		FROM namespace_tool_mappings m
		JOIN tools t ON t.tool_uuid = m.tool_uuid
		WHERE m.namespace_uuid = ?`, namespaceUUID)
	if err != nil {
		return nil, fmt.Errorf("namespace tool mappings: %w", err)
	}
	defer rows.Close()

	var out []model.NamespaceToolMapping
	for rows.Next() {
		var m model.NamespaceToolMapping
		var status string
		if err := rows.Scan(&m.ToolUUID, &m.ServerUUID, &m.Name, &status); err != nil {
			return nil, err
		}
		m.NamespaceUUID = namespaceUUID
		m.Status = model.MappingStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (model.McpServer, error) {
	var srv model.McpServer
	var kind, argsJSON, envJSON, status string
	if err := row.Scan(&srv.ServerUUID, &srv.Name, &kind, &srv.Command, &argsJSON, &envJSON,
		&srv.Cwd, &srv.URL, &srv.BearerToken, &status); err != nil {
		return model.McpServer{}, err
	}
	srv.Kind = model.ServerKind(kind)
	srv.ErrorStatus = model.ErrorStatus(status)
	_ = json.Unmarshal([]byte(argsJSON), &srv.Args)
	_ = json.Unmarshal([]byte(envJSON), &srv.Env)
	return srv, nil
}

// InsertServer is a convenience used by tests and by admin tooling
// outside this module's scope; the core never calls it.
func (s *Store) InsertServer(ctx context.Context, srv model.McpServer) error {
	args, _ := json.Marshal(srv.Args)
	env, _ := json.Marshal(srv.Env)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (server_uuid, name, kind, command, args_json, env_json, cwd, url, bearer_token, error_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_uuid) DO UPDATE SET
			name=excluded.name, kind=excluded.kind, command=excluded.command,
			args_json=excluded.args_json, env_json=excluded.env_json, cwd=excluded.cwd,
			url=excluded.url, bearer_token=excluded.bearer_token, error_status=excluded.error_status`,
		srv.ServerUUID, srv.Name, string(srv.Kind), srv.Command, string(args), string(env),
		srv.Cwd, srv.URL, srv.BearerToken, string(srv.ErrorStatus))
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}
	return nil
}
