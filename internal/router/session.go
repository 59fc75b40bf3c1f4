package router

import (
	"sync"
	"time"

	"github.com/metamcp/gateway/internal/metamcpserver"
	"github.com/metamcp/gateway/internal/model"
)

// State is a session's position in the CREATED -> READY -> CLOSING ->
// CLOSED lifecycle.
type State string

const (
	StateCreated State = "CREATED"
	StateReady   State = "READY"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Session is one live client<->gateway MCP conversation. Its
// (NamespaceUUID, ApiKeyUUID) pair is fixed for the session's lifetime.
type Session struct {
	ID            string
	NamespaceUUID string
	ApiKeyUUID    string
	Transport     model.SessionTransport
	Instance      *metamcpserver.Instance

	mu         sync.Mutex
	state      State
	lastAccess time.Time
}

func newSession(id, namespaceUUID, apiKeyUUID string, transport model.SessionTransport, instance *metamcpserver.Instance) *Session {
	return &Session{
		ID:            id,
		NamespaceUUID: namespaceUUID,
		ApiKeyUUID:    apiKeyUUID,
		Transport:     transport,
		Instance:      instance,
		state:         StateCreated,
		lastAccess:    time.Now(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	if s.state == StateCreated {
		s.state = StateReady
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) markClosing() {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.Instance.Cleanup()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Store is the session table: sessions by id, indexed by owning API key
// so cross-key ownership checks are O(1) and DELETE-all-for-key is
// O(sessions-for-that-key).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]map[string]struct{}
}

// NewStore builds an empty session table.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byKey:    make(map[string]map[string]struct{}),
	}
}

// Put registers a newly created session.
func (st *Store) Put(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[s.ID] = s
	if st.byKey[s.ApiKeyUUID] == nil {
		st.byKey[s.ApiKeyUUID] = make(map[string]struct{})
	}
	st.byKey[s.ApiKeyUUID][s.ID] = struct{}{}
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Close removes and cleans up a single session, regardless of who owns it.
func (st *Store) Close(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return false
	}
	delete(st.sessions, id)
	if set := st.byKey[s.ApiKeyUUID]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(st.byKey, s.ApiKeyUUID)
		}
	}
	st.mu.Unlock()

	s.markClosing()
	s.markClosed()
	return true
}

// CloseAllForKey closes every session owned by apiKeyUUID and reports
// how many were closed.
func (st *Store) CloseAllForKey(apiKeyUUID string) int {
	st.mu.Lock()
	ids := make([]string, 0, len(st.byKey[apiKeyUUID]))
	for id := range st.byKey[apiKeyUUID] {
		ids = append(ids, id)
	}
	st.mu.Unlock()

	for _, id := range ids {
		st.Close(id)
	}
	return len(ids)
}

// ReapIdle closes every session whose lastAccess is older than maxIdle,
// taking a consistent snapshot of the table before tearing any down so
// concurrent inserts during the sweep are unaffected.
func (st *Store) ReapIdle(maxIdle time.Duration) int {
	st.mu.RLock()
	stale := make([]string, 0)
	cutoff := time.Now().Add(-maxIdle)
	for id, s := range st.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range stale {
		st.Close(id)
	}
	return len(stale)
}

// Size reports the number of live sessions.
func (st *Store) Size() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
