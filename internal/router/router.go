// Package router implements the HTTP-facing session/transport layer:
// streamable-HTTP and SSE endpoints per namespace, API-key
// authentication, the session table, the idle reaper, and the
// health/metrics snapshots.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/apperr"
	"github.com/metamcp/gateway/internal/cache"
	"github.com/metamcp/gateway/internal/metamcpserver"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcOK(id any, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcErr(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg}}
}

// Router mounts one route family per namespace and dispatches
// authenticated MCP requests through a metamcpserver.Factory.
type Router struct {
	mux       *http.ServeMux
	apiKeys   repository.ApiKeys
	factory   *metamcpserver.Factory
	sessions  *Store
	cache     *cache.Cache
	pool      *pool.Pool
	log       *logrus.Entry
	startedAt time.Time

	logEnabled             bool
	includeInactiveDefault bool

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// Deps bundles Router's collaborators.
type Deps struct {
	ApiKeys repository.ApiKeys
	Factory *metamcpserver.Factory
	Cache   *cache.Cache
	Pool    *pool.Pool
	Log     *logrus.Entry

	// LogEnabled toggles the per-request access log emitted from
	// ServeHTTP.
	LogEnabled bool
	// IncludeInactiveServers is the default applied to a session's
	// tools/list scope when its open request never specifies
	// includeInactiveServers explicitly.
	IncludeInactiveServers bool
}

// New builds a Router and mounts its routes on a fresh ServeMux.
func New(deps Deps) *Router {
	r := &Router{
		mux:                    http.NewServeMux(),
		apiKeys:                deps.ApiKeys,
		factory:                deps.Factory,
		sessions:               NewStore(),
		cache:                  deps.Cache,
		pool:                   deps.Pool,
		log:                    deps.Log,
		startedAt:              time.Now(),
		logEnabled:             deps.LogEnabled,
		includeInactiveDefault: deps.IncludeInactiveServers,
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	r.mux.HandleFunc("POST /{namespace}/mcp", r.handleStreamablePost)
	r.mux.HandleFunc("GET /{namespace}/mcp", r.handleStreamableGet)
	r.mux.HandleFunc("DELETE /{namespace}/mcp", r.handleStreamableDelete)
	r.mux.HandleFunc("GET /{namespace}/sse", r.handleSSE)
	r.mux.HandleFunc("POST /{namespace}/message", r.handleMessage)
	r.mux.HandleFunc("GET /{namespace}/.well-known/mcp/manifest.json", r.handleManifest)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /metrics", r.handleMetrics)
}

// ServeHTTP satisfies http.Handler, wrapping every request with panic
// recovery and access logging in the same shape the gateway's upstream
// process-adapter and pool already log with (structured fields, never a
// bare fmt string carrying request data).
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("recovered panic handling request")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	if r.logEnabled {
		r.log.WithFields(logrus.Fields{"method": req.Method, "path": req.URL.Path}).Debug("request")
	}
	r.mux.ServeHTTP(w, req)
}

// ---- authentication ----

func extractAPIKey(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := req.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func (r *Router) authenticate(req *http.Request) (model.ApiKeyValidation, error) {
	secret := extractAPIKey(req)
	if secret == "" {
		return model.ApiKeyValidation{}, apperr.New(apperr.KindAuthMissing, "missing API key")
	}
	validation, err := r.apiKeys.Validate(req.Context(), secret)
	if err != nil {
		return model.ApiKeyValidation{}, apperr.Wrap(apperr.KindAuthInvalid, "validate API key", err)
	}
	if !validation.Valid {
		return model.ApiKeyValidation{}, apperr.New(apperr.KindAuthInvalid, "invalid API key")
	}
	return validation, nil
}

func writeAppErr(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	switch kind {
	case apperr.KindAuthMissing, apperr.KindAuthInvalid:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case apperr.KindSessionMismatch:
		http.Error(w, err.Error(), http.StatusForbidden)
	case apperr.KindSessionUnknown:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperr.KindResourceLimit:
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- streamable-HTTP ----

func (r *Router) handleStreamablePost(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	validation, err := r.authenticate(req)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	var rpc jsonrpcRequest
	if err := json.Unmarshal(body, &rpc); err != nil {
		http.Error(w, "malformed JSON-RPC request", http.StatusBadRequest)
		return
	}

	sessionID := req.Header.Get("mcp-session-id")
	var sess *Session
	if sessionID == "" {
		includeInactive := r.includeInactiveDefault
		if v := req.URL.Query().Get("includeInactiveServers"); v != "" {
			includeInactive = v == "true"
		}
		instance := r.factory.Open(metamcpserver.Identity{
			NamespaceUUID:          namespaceUUID,
			ApiKeyUUID:             validation.KeyUUID,
			UserID:                 validation.UserID,
			IncludeInactiveServers: includeInactive,
		})
		sess = newSession(uuid.New().String(), namespaceUUID, validation.KeyUUID, model.TransportStreamableHTTP, instance)
		r.sessions.Put(sess)
		w.Header().Set("mcp-session-id", sess.ID)
	} else {
		sess, err = r.lookupOwnedSession(sessionID, validation.KeyUUID, namespaceUUID)
		if err != nil {
			writeAppErr(w, err)
			return
		}
	}
	sess.touch()

	resp := r.dispatch(req.Context(), sess, &rpc)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Router) handleStreamableGet(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	validation, err := r.authenticate(req)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	sessionID := req.Header.Get("mcp-session-id")
	if sessionID == "" {
		http.Error(w, "missing mcp-session-id", http.StatusBadRequest)
		return
	}
	sess, err := r.lookupOwnedSession(sessionID, validation.KeyUUID, namespaceUUID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	sess.touch()
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleStreamableDelete(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	validation, err := r.authenticate(req)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	sessionID := req.Header.Get("mcp-session-id")
	if sessionID == "" {
		closed := r.sessions.CloseAllForKey(validation.KeyUUID)
		r.log.WithFields(logrus.Fields{"apiKeyUuid": validation.KeyUUID, "closed": closed}).Info("closed all sessions for key")
		w.WriteHeader(http.StatusOK)
		return
	}
	sess, err := r.lookupOwnedSession(sessionID, validation.KeyUUID, namespaceUUID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	r.sessions.Close(sess.ID)
	w.WriteHeader(http.StatusOK)
}

func (r *Router) lookupOwnedSession(sessionID, apiKeyUUID, namespaceUUID string) (*Session, error) {
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, apperr.New(apperr.KindSessionUnknown, fmt.Sprintf("unknown session %q", sessionID))
	}
	if sess.ApiKeyUUID != apiKeyUUID || sess.NamespaceUUID != namespaceUUID {
		return nil, apperr.New(apperr.KindSessionMismatch, "session owned by a different key")
	}
	return sess, nil
}

// dispatch answers one JSON-RPC call against a bound session. It never
// returns a bare Go error to the caller: every failure is translated
// into either a JSON-RPC error object or a structured MCP tool-error
// result, matching the surfaces the aggregator handlers themselves
// already use.
func (r *Router) dispatch(ctx context.Context, sess *Session, rpc *jsonrpcRequest) *jsonrpcResponse {
	if rpc.ID == nil {
		// notification; no response body
		return nil
	}
	switch rpc.Method {
	case "initialize":
		result := map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"serverInfo":      mcp.Implementation{Name: "metamcp-gateway", Version: "0.1.0"},
			"capabilities":    sess.Instance.Capabilities,
		}
		resp := rpcOK(rpc.ID, result)
		return &resp
	case "ping":
		resp := rpcOK(rpc.ID, map[string]any{})
		return &resp
	case "tools/list":
		out, err := sess.Instance.ListTools(ctx)
		if err != nil {
			resp := rpcErr(rpc.ID, -32000, err.Error())
			return &resp
		}
		type toolDescriptor struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			InputSchema mcp.ToolInputSchema `json:"inputSchema"`
			Annotations map[string]any `json:"annotations,omitempty"`
		}
		tools := make([]toolDescriptor, 0, len(out.Tools))
		for _, t := range out.Tools {
			tools = append(tools, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, Annotations: t.Annotations})
		}
		resp := rpcOK(rpc.ID, map[string]any{"tools": tools})
		return &resp
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
			Meta      struct {
				ProgressToken string `json:"progressToken"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal(rpc.Params, &params); err != nil {
			resp := rpcErr(rpc.ID, -32602, "invalid params")
			return &resp
		}
		out, err := sess.Instance.CallTool(ctx, params.Name, params.Arguments, params.Meta.ProgressToken)
		if err != nil {
			resp := rpcOK(rpc.ID, &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: err.Error()}},
			})
			return &resp
		}
		resp := rpcOK(rpc.ID, out.Result)
		return &resp
	default:
		resp := rpcErr(rpc.ID, -32601, fmt.Sprintf("method not found: %s", rpc.Method))
		return &resp
	}
}

// ---- SSE (legacy) ----

func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	validation, err := r.authenticate(req)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	includeInactive := r.includeInactiveDefault
	if v := req.URL.Query().Get("includeInactiveServers"); v != "" {
		includeInactive = v == "true"
	}
	instance := r.factory.Open(metamcpserver.Identity{NamespaceUUID: namespaceUUID, ApiKeyUUID: validation.KeyUUID, UserID: validation.UserID, IncludeInactiveServers: includeInactive})
	sess := newSession(uuid.New().String(), namespaceUUID, validation.KeyUUID, model.TransportSSE, instance)
	r.sessions.Put(sess)
	defer r.sessions.Close(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("mcp-session-id", sess.ID)

	endpoint := fmt.Sprintf("/%s/message?sessionId=%s", url.PathEscape(namespaceUUID), sess.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	notify := req.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		}
	}
}

func (r *Router) handleMessage(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	validation, err := r.authenticate(req)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	sessionID := req.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	sess, err := r.lookupOwnedSession(sessionID, validation.KeyUUID, namespaceUUID)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	var rpc jsonrpcRequest
	if err := json.Unmarshal(body, &rpc); err != nil {
		http.Error(w, "malformed JSON-RPC request", http.StatusBadRequest)
		return
	}
	sess.touch()
	resp := r.dispatch(req.Context(), sess, &rpc)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// ---- manifest, health, metrics ----

func (r *Router) handleManifest(w http.ResponseWriter, req *http.Request) {
	namespaceUUID := req.PathValue("namespace")
	instance := r.factory.Open(metamcpserver.Identity{NamespaceUUID: namespaceUUID, IncludeInactiveServers: false})
	out, err := instance.ListTools(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	names := make([]string, 0, len(out.Tools))
	for _, t := range out.Tools {
		names = append(names, t.Name)
	}
	doc := map[string]any{
		"name":  "metamcp-gateway",
		"tools": names,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// healthPools.DB is always 0: the repository.Repository interface the
// router depends on exposes no connection-pool stats method, and the
// router must not reach past that interface into a concrete sqlstore.
type healthPools struct {
	DB        int `json:"db"`
	Upstreams int `json:"upstreams"`
	Sessions  int `json:"sessions"`
}

type healthPayload struct {
	Status   string       `json:"status"`
	Uptime   string       `json:"uptime"`
	Cache    cache.Status `json:"cache"`
	Pools    healthPools  `json:"pools"`
	MemoryMB float64      `json:"memoryMB"`
}

func (r *Router) snapshot() healthPayload {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var cacheStatus cache.Status
	if r.cache != nil {
		cacheStatus = r.cache.GetStatus()
	}
	upstreams := 0
	if r.pool != nil {
		upstreams = r.pool.Size()
	}
	status := "ok"
	if cacheStatus.Health == "error" {
		status = "degraded"
	}
	return healthPayload{
		Status: status,
		Uptime: time.Since(r.startedAt).String(),
		Cache:  cacheStatus,
		Pools: healthPools{
			Upstreams: upstreams,
			Sessions:  r.sessions.Size(),
		},
		MemoryMB: float64(mem.Alloc) / (1024 * 1024),
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	snap := r.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.snapshot())
}

// StartReaper launches the idle-session sweep goroutine; call Stop to
// halt it during graceful shutdown.
func (r *Router) StartReaper(interval, maxIdle time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.reaperCancel = cancel
	r.reaperDone = make(chan struct{})
	go func() {
		defer close(r.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.sessions.ReapIdle(maxIdle); n > 0 {
					r.log.WithField("closed", n).Info("idle reaper closed sessions")
				}
			}
		}
	}()
}

// Stop halts the idle reaper and closes every live session, used during
// graceful shutdown.
func (r *Router) Stop() {
	if r.reaperCancel != nil {
		r.reaperCancel()
		<-r.reaperDone
	}
	r.sessions.mu.RLock()
	ids := make([]string, 0, len(r.sessions.sessions))
	for id := range r.sessions.sessions {
		ids = append(ids, id)
	}
	r.sessions.mu.RUnlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.sessions.Close(id)
		}(id)
	}
	wg.Wait()
}

// SessionCount exposes the live session count for tests and metrics.
func (r *Router) SessionCount() int {
	return r.sessions.Size()
}
