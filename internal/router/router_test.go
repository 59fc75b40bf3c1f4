package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/metamcp/gateway/internal/aggregator"
	"github.com/metamcp/gateway/internal/metamcpserver"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository/memstore"
	"github.com/metamcp/gateway/internal/upstream"
)

func nopEntry() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func newTestRouter(t *testing.T) (*Router, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.PutApiKey(model.ApiKey{KeyUUID: "key-A", Key: "sk_mt_AAAA", IsActive: true})
	store.PutApiKey(model.ApiKey{KeyUUID: "key-B", Key: "sk_mt_BBBB", IsActive: true})

	base := aggregator.NewBaseHandler(store, store, pool.New(pool.Limits{}, nil, nopEntry()), upstream.Timeouts{}, 0, nopEntry())
	factory := metamcpserver.New(base, nil)
	return New(Deps{ApiKeys: store, Factory: factory, Log: nopEntry()}), store
}

func doJSONRPC(r *Router, method, path, apiKey, sessionID string, rpc jsonrpcRequest) *httptest.ResponseRecorder {
	body, _ := json.Marshal(rpc)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStreamableHandshakeCreatesSessionAndAnswersInitialize(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "", jsonrpcRequest{
		JSONRPC: "2.0", ID: "1", Method: "initialize",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sessionID := rec.Header().Get("mcp-session-id")
	if sessionID == "" {
		t.Fatal("expected mcp-session-id header on first handshake")
	}

	rec2 := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", sessionID, jsonrpcRequest{
		JSONRPC: "2.0", ID: "2", Method: "ping",
	})
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on follow-up ping, got %d", rec2.Code)
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("expected no error, got %+v", resp.Error)
	}
}

func TestSessionHijackRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "", jsonrpcRequest{
		JSONRPC: "2.0", ID: "1", Method: "initialize",
	})
	sessionID := rec.Header().Get("mcp-session-id")

	rec2 := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_BBBB", sessionID, jsonrpcRequest{
		JSONRPC: "2.0", ID: "2", Method: "ping",
	})
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on cross-key reuse, got %d", rec2.Code)
	}
}

func TestMissingApiKeyIsUnauthorized(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "", "", jsonrpcRequest{
		JSONRPC: "2.0", ID: "1", Method: "initialize",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "does-not-exist", jsonrpcRequest{
		JSONRPC: "2.0", ID: "1", Method: "ping",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteWithNoSessionIdClosesAllSessionsForKey(t *testing.T) {
	r, _ := newTestRouter(t)
	rec1 := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "", jsonrpcRequest{JSONRPC: "2.0", ID: "1", Method: "initialize"})
	rec2 := doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "", jsonrpcRequest{JSONRPC: "2.0", ID: "1", Method: "initialize"})
	session1 := rec1.Header().Get("mcp-session-id")
	session2 := rec2.Header().Get("mcp-session-id")

	req := httptest.NewRequest(http.MethodDelete, "/ns-A/mcp", nil)
	req.Header.Set("X-API-Key", "sk_mt_AAAA")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	for _, id := range []string{session1, session2} {
		getReq := httptest.NewRequest(http.MethodGet, "/ns-A/mcp", nil)
		getReq.Header.Set("X-API-Key", "sk_mt_AAAA")
		getReq.Header.Set("mcp-session-id", id)
		getRec := httptest.NewRecorder()
		r.ServeHTTP(getRec, getReq)
		if getRec.Code != http.StatusNotFound {
			t.Fatalf("expected session %s to be gone, got %d", id, getRec.Code)
		}
	}
}

func TestHealthEndpointReportsSessionCount(t *testing.T) {
	r, _ := newTestRouter(t)
	doJSONRPC(r, http.MethodPost, "/ns-A/mcp", "sk_mt_AAAA", "", jsonrpcRequest{JSONRPC: "2.0", ID: "1", Method: "initialize"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload healthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	if payload.Pools.Sessions != 1 {
		t.Fatalf("expected 1 live session, got %d", payload.Pools.Sessions)
	}
}
