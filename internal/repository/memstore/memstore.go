// Package memstore is an in-process repository.Repository implementation
// for tests and single-node deployments. Every operation is guarded by a
// single RWMutex; the store is not meant to survive a restart.
package memstore

import (
	"context"
	"sync"

	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/repository"
)

// Store is an in-memory repository.Repository.
type Store struct {
	mu sync.RWMutex

	servers    map[string]model.McpServer
	namespaces map[string][]model.NamespaceServerMapping
	tools      map[string][]model.NamespaceToolMapping
	apiKeys    map[string]model.ApiKey // keyed by secret
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		servers:    make(map[string]model.McpServer),
		namespaces: make(map[string][]model.NamespaceServerMapping),
		tools:      make(map[string][]model.NamespaceToolMapping),
		apiKeys:    make(map[string]model.ApiKey),
	}
}

// PutServer registers or replaces a server definition.
func (s *Store) PutServer(srv model.McpServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ServerUUID] = srv
}

// PutNamespaceMapping registers a server into a namespace's catalog.
func (s *Store) PutNamespaceMapping(m model.NamespaceServerMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.namespaces[m.NamespaceUUID]
	for i, existing := range list {
		if existing.ServerUUID == m.ServerUUID {
			list[i] = m
			s.namespaces[m.NamespaceUUID] = list
			return
		}
	}
	s.namespaces[m.NamespaceUUID] = append(list, m)
}

// PutToolMapping registers a tool's enablement within a namespace.
func (s *Store) PutToolMapping(m model.NamespaceToolMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.tools[m.NamespaceUUID]
	for i, existing := range list {
		if existing.ToolUUID == m.ToolUUID {
			list[i] = m
			s.tools[m.NamespaceUUID] = list
			return
		}
	}
	s.tools[m.NamespaceUUID] = append(list, m)
}

// PutApiKey registers a valid API key secret.
func (s *Store) PutApiKey(key model.ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.Key] = key
}

func (s *Store) Validate(_ context.Context, secret string) (model.ApiKeyValidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[secret]
	if !ok || !key.IsActive {
		return model.ApiKeyValidation{Valid: false}, nil
	}
	return model.ApiKeyValidation{Valid: true, KeyUUID: key.KeyUUID}, nil
}

func (s *Store) FindByID(_ context.Context, uuid string) (model.McpServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[uuid]
	if !ok {
		return model.McpServer{}, repository.ErrNotFound
	}
	return srv, nil
}

func (s *Store) FindAll(_ context.Context) ([]model.McpServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.McpServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv)
	}
	return out, nil
}

func (s *Store) SetErrorStatus(_ context.Context, uuid string, status model.ErrorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[uuid]
	if !ok {
		return repository.ErrNotFound
	}
	srv.ErrorStatus = status
	s.servers[uuid] = srv
	return nil
}

func (s *Store) ServerMappings(_ context.Context, namespaceUUID string, includeInactive bool) ([]model.NamespaceServerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.namespaces[namespaceUUID]
	out := make([]model.NamespaceServerMapping, 0, len(all))
	for _, m := range all {
		if m.Status == model.MappingActive || includeInactive {
			m.ServerParams = s.servers[m.ServerUUID]
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) AllServerMappings(_ context.Context) ([]model.NamespaceServerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.NamespaceServerMapping
	for _, list := range s.namespaces {
		for _, m := range list {
			if m.Status != model.MappingActive {
				continue
			}
			m.ServerParams = s.servers[m.ServerUUID]
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ToolMappings(_ context.Context, namespaceUUID string) ([]model.NamespaceToolMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.tools[namespaceUUID]
	out := make([]model.NamespaceToolMapping, len(all))
	copy(out, all)
	return out, nil
}
