package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/stdioadapter"
)

// stdioClient correlates JSON-RPC requests/responses over a
// stdioadapter.Adapter. mark3labs/mcp-go's own stdio transport assumes
// every stdout line is a frame, an assumption that breaks the moment an
// upstream process interleaves log lines with its stdout; so STDIO
// upstreams speak JSON-RPC through this hand-rolled correlator instead
// of through mcp-go's client package, while SSE/StreamableHTTP upstreams
// use mcp-go's client directly since they have no stdout-contamination
// problem to filter.
type stdioClient struct {
	adapter *stdioadapter.Adapter
	nextID  int64

	mu      sync.Mutex
	pending map[string]chan rpcResult
	notify  func(method string, params json.RawMessage)

	closed atomic.Bool
}

type rpcResult struct {
	result json.RawMessage
	errMsg *rpcErrorPayload
}

type rpcErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcFrame struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcErrorPayload `json:"error,omitempty"`
}

func newStdioClient(ctx context.Context, command string, args []string, env map[string]string, cwd string, grace time.Duration, log *logrus.Entry, onCrash func(int, string), onError func(error), onNotify func(method string, params json.RawMessage)) (*stdioClient, error) {
	sc := &stdioClient{pending: make(map[string]chan rpcResult), notify: onNotify}

	adapter, err := stdioadapter.Start(ctx, stdioadapter.Options{
		Command:   command,
		Args:      args,
		Env:       env,
		Cwd:       cwd,
		Grace:     grace,
		Logger:    log,
		OnMessage: sc.handleFrame,
		OnError:   onError,
		OnClose: func(exitCode int, signal string) {
			sc.closed.Store(true)
			sc.failAllPending(fmt.Errorf("upstream process exited (code=%d signal=%s)", exitCode, signal))
			if onCrash != nil {
				onCrash(exitCode, signal)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	sc.adapter = adapter
	return sc, nil
}

func (sc *stdioClient) handleFrame(raw []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if frame.ID == nil {
		if sc.notify != nil {
			sc.notify(frame.Method, frame.Params)
		}
		return
	}
	key := string(*frame.ID)
	sc.mu.Lock()
	ch, ok := sc.pending[key]
	if ok {
		delete(sc.pending, key)
	}
	sc.mu.Unlock()
	if !ok {
		return
	}
	ch <- rpcResult{result: frame.Result, errMsg: frame.Error}
	close(ch)
}

func (sc *stdioClient) failAllPending(err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for id, ch := range sc.pending {
		ch <- rpcResult{errMsg: &rpcErrorPayload{Code: -32000, Message: err.Error()}}
		close(ch)
		delete(sc.pending, id)
	}
}

func (sc *stdioClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if sc.closed.Load() {
		return nil, fmt.Errorf("stdio client closed")
	}
	id := atomic.AddInt64(&sc.nextID, 1)
	idJSON, _ := json.Marshal(id)
	rawID := json.RawMessage(idJSON)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	frame := rpcFrame{JSONRPC: "2.0", ID: &rawID, Method: method, Params: paramsJSON}
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan rpcResult, 1)
	key := string(rawID)
	sc.mu.Lock()
	sc.pending[key] = ch
	sc.mu.Unlock()

	if err := sc.adapter.Send(body); err != nil {
		sc.mu.Lock()
		delete(sc.pending, key)
		sc.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.errMsg != nil {
			return nil, fmt.Errorf("rpc error %d: %s", res.errMsg.Code, res.errMsg.Message)
		}
		return res.result, nil
	case <-ctx.Done():
		sc.mu.Lock()
		delete(sc.pending, key)
		sc.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (sc *stdioClient) notification(method string, params any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	frame := rpcFrame{JSONRPC: "2.0", Method: method, Params: paramsJSON}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return sc.adapter.Send(body)
}

func (sc *stdioClient) close() error {
	sc.closed.Store(true)
	return sc.adapter.Shutdown()
}
