package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestClient(t Timeouts) *Client {
	return &Client{timeouts: t, progressResets: make(map[string]func())}
}

func TestProgressAwareContextExpiresWithoutProgress(t *testing.T) {
	c := newTestClient(Timeouts{RequestTimeout: 20 * time.Millisecond, MaxTotalTimeout: time.Second, ResetTimeoutOnProgress: true})
	ctx, cancel := c.progressAwareContext(context.Background(), "tok")
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected context to expire once the idle timeout elapses with no progress notifications")
	}
}

func TestProgressAwareContextSurvivesRepeatedProgress(t *testing.T) {
	c := newTestClient(Timeouts{RequestTimeout: 40 * time.Millisecond, MaxTotalTimeout: time.Second, ResetTimeoutOnProgress: true})
	ctx, cancel := c.progressAwareContext(context.Background(), "tok")
	defer cancel()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.handleProgressNotification("tok")
		time.Sleep(15 * time.Millisecond)
	}

	select {
	case <-ctx.Done():
		t.Fatal("expected repeated progress notifications to keep resetting the idle timeout")
	default:
	}
}

func TestProgressAwareContextIgnoresProgressWhenDisabled(t *testing.T) {
	c := newTestClient(Timeouts{RequestTimeout: 20 * time.Millisecond, MaxTotalTimeout: time.Second, ResetTimeoutOnProgress: false})
	ctx, cancel := c.progressAwareContext(context.Background(), "tok")
	defer cancel()

	c.handleProgressNotification("tok")

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected progress notifications to be ignored when ResetTimeoutOnProgress is false")
	}
}

func TestProgressAwareContextRespectsHardCeiling(t *testing.T) {
	c := newTestClient(Timeouts{RequestTimeout: 30 * time.Millisecond, MaxTotalTimeout: 60 * time.Millisecond, ResetTimeoutOnProgress: true})
	ctx, cancel := c.progressAwareContext(context.Background(), "tok")
	defer cancel()

	stop := time.After(100 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			c.handleProgressNotification("tok")
		case <-stop:
			break loop
		case <-ctx.Done():
			return
		}
	}
	t.Fatal("expected MaxTotalTimeout to expire the context regardless of ongoing progress")
}

func TestProgressTokenFromNotificationRoundTrips(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"abc123","progress":1}}`)
	var n mcp.JSONRPCNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if got := progressTokenFromNotification(n); got != "abc123" {
		t.Fatalf("got %q, want %q", got, "abc123")
	}
}

func TestHandleStdioNotificationExtractsToken(t *testing.T) {
	c := newTestClient(Timeouts{ResetTimeoutOnProgress: true})
	fired := make(chan struct{}, 1)
	c.registerProgressReset("tok", func() { fired <- struct{}{} })

	params, _ := json.Marshal(map[string]any{"progressToken": "tok"})
	c.handleStdioNotification("notifications/progress", params)

	select {
	case <-fired:
	default:
		t.Fatal("expected the registered reset callback to fire")
	}
}
