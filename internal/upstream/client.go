// Package upstream implements the MCP client role for one upstream
// server: connect (stdio/SSE/streamable-HTTP), expose a request/notify
// API, and surface crash callbacks to the connection pool.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/model"
)

// Timeouts is the request/total/progress-reset timeout triple consulted
// on every request.
type Timeouts struct {
	RequestTimeout         time.Duration
	MaxTotalTimeout        time.Duration
	ResetTimeoutOnProgress bool
}

// CrashFunc is invoked once when the underlying process exits or the
// transport closes unexpectedly.
type CrashFunc func(exitCode int, signal string)

// Client is a live connection to one upstream MCP server. Exactly one of
// its two backing transports (stdio or networked) is set, per
// model.ServerKind.
type Client struct {
	ServerUUID string
	Kind       model.ServerKind
	timeouts   Timeouts
	log        *logrus.Entry

	stdio         *stdioClient
	networked     *client.Client
	shutdownGrace time.Duration

	progressMu     sync.Mutex
	progressResets map[string]func()
}

// Connect opens a client for srv. onCrash fires at most once, from a
// background goroutine, the moment the stdio process exits or, for
// SSE/StreamableHTTP, the upstream sends notifications/cancelled — the
// pool (C4) is the only caller and uses it to evict this connection and
// mark the server ERROR.
func Connect(ctx context.Context, srv model.McpServer, timeouts Timeouts, shutdownGrace time.Duration, log *logrus.Entry, onCrash CrashFunc) (*Client, error) {
	if err := srv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server definition: %w", err)
	}
	if onCrash != nil {
		crash := onCrash
		var once sync.Once
		onCrash = func(exitCode int, signal string) {
			once.Do(func() { crash(exitCode, signal) })
		}
	}

	c := &Client{
		ServerUUID:     srv.ServerUUID,
		Kind:           srv.Kind,
		timeouts:       timeouts,
		log:            log,
		shutdownGrace:  shutdownGrace,
		progressResets: make(map[string]func()),
	}

	switch srv.Kind {
	case model.ServerKindStdio:
		sc, err := newStdioClient(ctx, srv.Command, srv.Args, srv.Env, srv.Cwd, shutdownGrace, log, onCrash, func(err error) {
			log.WithError(err).Warn("stdio upstream reported an error")
		}, c.handleStdioNotification)
		if err != nil {
			return nil, newError(srv.ServerUUID, "connect", false, err)
		}
		c.stdio = sc
		if err := c.initialize(ctx); err != nil {
			_ = sc.close()
			return nil, err
		}
		return c, nil

	case model.ServerKindSSE:
		opts := []transport.ClientOption{}
		if srv.BearerToken != "" {
			opts = append(opts, transport.WithHeaders(map[string]string{
				"Authorization": "Bearer " + srv.BearerToken,
			}))
		}
		cl, err := client.NewSSEMCPClient(srv.URL, opts...)
		if err != nil {
			return nil, newError(srv.ServerUUID, "connect", false, err)
		}
		if err := cl.Start(ctx); err != nil {
			return nil, newError(srv.ServerUUID, "connect", false, err)
		}
		c.networked = cl
		c.wireNetworkedNotifications(onCrash)
		if err := c.initialize(ctx); err != nil {
			_ = cl.Close()
			return nil, err
		}
		return c, nil

	case model.ServerKindStreamableHTTP:
		opts := []transport.StreamableHTTPCOption{}
		if srv.BearerToken != "" {
			opts = append(opts, transport.WithHTTPHeaders(map[string]string{
				"Authorization": "Bearer " + srv.BearerToken,
			}))
		}
		cl, err := client.NewStreamableHttpClient(srv.URL, opts...)
		if err != nil {
			return nil, newError(srv.ServerUUID, "connect", false, err)
		}
		if err := cl.Start(ctx); err != nil {
			return nil, newError(srv.ServerUUID, "connect", false, err)
		}
		c.networked = cl
		c.wireNetworkedNotifications(onCrash)
		if err := c.initialize(ctx); err != nil {
			_ = cl.Close()
			return nil, err
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported server kind %q", srv.Kind)
	}
}

// wireNetworkedNotifications reports a notifications/cancelled message
// from the upstream through onCrash, since mcp-go does not expose a
// dedicated close callback for SSE/StreamableHTTP clients; a transport
// loss that produces no such notification is not detected here, and a
// failed request is returned to the caller as an error without touching
// onCrash. It also forwards notifications/progress into the
// progress-reset registry so an in-flight CallTool's idle timer gets
// extended while the upstream keeps reporting progress.
func (c *Client) wireNetworkedNotifications(onCrash CrashFunc) {
	c.networked.OnNotification(func(n mcp.JSONRPCNotification) {
		switch n.Method {
		case "notifications/cancelled":
			if onCrash != nil {
				onCrash(0, "")
			}
		case "notifications/progress":
			c.handleProgressNotification(progressTokenFromNotification(n))
		}
	})
}

// handleStdioNotification is the stdioClient.notify callback; it mirrors
// wireNetworkedNotifications' progress handling for the stdio transport,
// which has no separate crash-notification path (crashes there are
// reported through OnClose in stdio.go instead).
func (c *Client) handleStdioNotification(method string, params json.RawMessage) {
	if method != "notifications/progress" {
		return
	}
	var p struct {
		ProgressToken any `json:"progressToken"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	c.handleProgressNotification(progressTokenString(p.ProgressToken))
}

// progressTokenFromNotification extracts the progressToken carried by a
// notifications/progress message. mcp-go's JSONRPCNotification does not
// expose typed progress fields, so this round-trips through JSON to read
// the wire-format params object directly rather than depend on an
// internal struct shape.
func progressTokenFromNotification(n mcp.JSONRPCNotification) string {
	data, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	var envelope struct {
		Params struct {
			ProgressToken any `json:"progressToken"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return progressTokenString(envelope.Params.ProgressToken)
}

func progressTokenString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// registerProgressReset arms a callback to run the next time a progress
// notification carrying token arrives; it returns an unregister func the
// caller must invoke once the request it guards completes.
func (c *Client) registerProgressReset(token string, reset func()) func() {
	if token == "" {
		return func() {}
	}
	c.progressMu.Lock()
	c.progressResets[token] = reset
	c.progressMu.Unlock()
	return func() {
		c.progressMu.Lock()
		delete(c.progressResets, token)
		c.progressMu.Unlock()
	}
}

func (c *Client) handleProgressNotification(token string) {
	if token == "" {
		return
	}
	c.progressMu.Lock()
	reset := c.progressResets[token]
	c.progressMu.Unlock()
	if reset != nil {
		reset()
	}
}

func (c *Client) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "metamcp-gateway", Version: "0.1.0"}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.RequestTimeout)
	defer cancel()

	if c.stdio != nil {
		payload, err := json.Marshal(req.Params)
		if err != nil {
			return err
		}
		var params any
		_ = json.Unmarshal(payload, &params)
		_, err = c.stdio.request(ctx, "initialize", params)
		if err != nil {
			return newError(c.ServerUUID, "initialize", ctx.Err() != nil, err)
		}
		return c.stdio.notification("notifications/initialized", struct{}{})
	}

	_, err := c.networked.Initialize(ctx, req)
	if err != nil {
		return newError(c.ServerUUID, "initialize", ctx.Err() != nil, err)
	}
	return nil
}

// ListTools issues tools/list against this upstream, unconditionally,
// even if the upstream never advertised a tools capability during
// initialize — some servers omit it but still answer the call.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	if c.stdio != nil {
		raw, err := c.stdio.request(ctx, "tools/list", struct{}{})
		if err != nil {
			return nil, newError(c.ServerUUID, "tools/list", ctx.Err() != nil, err)
		}
		var result mcp.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, newError(c.ServerUUID, "tools/list", false, err)
		}
		return result.Tools, nil
	}

	result, err := c.networked.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, newError(c.ServerUUID, "tools/list", ctx.Err() != nil, err)
	}
	return result.Tools, nil
}

// CallTool forwards tools/call with the given name/arguments and
// progress token.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any, progressToken string) (*mcp.CallToolResult, error) {
	ctx, cancel := c.progressAwareContext(ctx, progressToken)
	defer cancel()

	if c.stdio != nil {
		params := map[string]any{"name": name, "arguments": arguments}
		if progressToken != "" {
			params["_meta"] = map[string]any{"progressToken": progressToken}
		}
		raw, err := c.stdio.request(ctx, "tools/call", params)
		if err != nil {
			return nil, newError(c.ServerUUID, "tools/call", ctx.Err() != nil, err)
		}
		var result mcp.CallToolResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, newError(c.ServerUUID, "tools/call", false, err)
		}
		return &result, nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	if progressToken != "" {
		req.Params.Meta = &mcp.Meta{ProgressToken: progressToken}
	}
	result, err := c.networked.CallTool(ctx, req)
	if err != nil {
		return nil, newError(c.ServerUUID, "tools/call", ctx.Err() != nil, err)
	}
	return result, nil
}

// boundedContext applies both halves of the timeout triple: the
// per-request timeout, capped by the connection's overall
// MaxTotalTimeout. Used by requests that carry no progress token
// (initialize, tools/list), which can never have their deadline reset.
func (c *Client) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.timeouts.RequestTimeout
	if c.timeouts.MaxTotalTimeout > 0 && c.timeouts.MaxTotalTimeout < timeout {
		timeout = c.timeouts.MaxTotalTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// progressAwareContext bounds a request the same way boundedContext
// does, but when ResetTimeoutOnProgress is set and progressToken is
// non-empty, the per-request idle timer restarts every time a
// notifications/progress message carrying that token arrives — so a
// long-running tool call that keeps reporting progress isn't killed by
// RequestTimeout, while MaxTotalTimeout still applies as a hard ceiling
// no amount of progress can extend.
func (c *Client) progressAwareContext(parent context.Context, progressToken string) (context.Context, context.CancelFunc) {
	ceiling := c.timeouts.MaxTotalTimeout
	if ceiling <= 0 {
		ceiling = c.timeouts.RequestTimeout
	}
	hardCtx, hardCancel := context.WithTimeout(parent, ceiling)

	idle := c.timeouts.RequestTimeout
	if idle <= 0 {
		idle = ceiling
	}

	ctx, cancel := context.WithCancel(hardCtx)
	timer := time.AfterFunc(idle, cancel)

	unregister := func() {}
	if c.timeouts.ResetTimeoutOnProgress {
		unregister = c.registerProgressReset(progressToken, func() {
			timer.Reset(idle)
		})
	}

	return ctx, func() {
		timer.Stop()
		unregister()
		cancel()
		hardCancel()
	}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	if c.stdio != nil {
		return c.stdio.close()
	}
	if c.networked != nil {
		return c.networked.Close()
	}
	return nil
}
