// Package pool manages per-(API-key, upstream-server) MCP connections:
// reuse a live connection where one exists, spawn/dial a fresh one on
// demand, and evict connections that crash, sit idle too long, or
// belong to a key/server being torn down.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/errtracker"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/upstream"
)

// Limits bounds how many live connections the pool holds at once.
type Limits struct {
	MaxIdleTime             time.Duration
	CleanupInterval         time.Duration
	MaxConnectionsPerApiKey int
	MaxGlobalConnections    int
}

type bucketKey struct {
	apiKeyUUID string
	serverUUID string
}

type conn struct {
	client   *upstream.Client
	lastUsed time.Time
	crashed  bool
}

// Pool holds one *upstream.Client per (apiKeyUUID, serverUUID) pair.
type Pool struct {
	limits  Limits
	tracker *errtracker.Tracker
	log     *logrus.Entry

	mu      sync.Mutex
	buckets map[bucketKey]*conn

	cleanupCancel context.CancelFunc
	cleanupDone   chan struct{}
}

// New builds a Pool. tracker receives crash notifications and cooldown
// bookkeeping for every stdio spawn the pool performs.
func New(limits Limits, tracker *errtracker.Tracker, log *logrus.Entry) *Pool {
	return &Pool{
		limits:  limits,
		tracker: tracker,
		log:     log,
		buckets: make(map[bucketKey]*conn),
	}
}

// GetConnection returns a live client for (apiKeyUUID, srv), reusing an
// existing one when present, or dialing/spawning a fresh one otherwise.
// A server currently within its spawn cooldown is rejected immediately
// without attempting to connect.
func (p *Pool) GetConnection(ctx context.Context, apiKeyUUID string, srv model.McpServer, timeouts upstream.Timeouts, shutdownGrace time.Duration) (*upstream.Client, error) {
	if srv.Kind == model.ServerKindStdio {
		identity := errtracker.Identity(srv.Command, srv.Args, srv.Env)
		if p.tracker != nil && p.tracker.InCooldown(identity) {
			return nil, fmt.Errorf("server %s: spawn cooldown active", srv.ServerUUID)
		}
	}

	key := bucketKey{apiKeyUUID: apiKeyUUID, serverUUID: srv.ServerUUID}

	p.mu.Lock()
	if existing, ok := p.buckets[key]; ok && !existing.crashed {
		existing.lastUsed = time.Now()
		client := existing.client
		p.mu.Unlock()
		return client, nil
	}
	if err := p.checkCapsLocked(apiKeyUUID); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	client, err := upstream.Connect(ctx, srv, timeouts, shutdownGrace, p.log, func(exitCode int, signal string) {
		p.onCrash(key, srv, exitCode, signal)
	})
	if err != nil {
		if srv.Kind == model.ServerKindStdio && p.tracker != nil {
			p.tracker.RecordFailedLaunch(errtracker.Identity(srv.Command, srv.Args, srv.Env))
		}
		return nil, err
	}
	if srv.Kind == model.ServerKindStdio && p.tracker != nil {
		p.tracker.ClearCooldown(errtracker.Identity(srv.Command, srv.Args, srv.Env))
	}

	p.mu.Lock()
	p.buckets[key] = &conn{client: client, lastUsed: time.Now()}
	p.mu.Unlock()
	return client, nil
}

// checkCapsLocked enforces the per-key and global connection caps.
// Assumes p.mu is held.
func (p *Pool) checkCapsLocked(apiKeyUUID string) error {
	if p.limits.MaxGlobalConnections > 0 && len(p.buckets) >= p.limits.MaxGlobalConnections {
		return fmt.Errorf("global connection cap of %d reached", p.limits.MaxGlobalConnections)
	}
	if p.limits.MaxConnectionsPerApiKey > 0 {
		count := 0
		for k := range p.buckets {
			if k.apiKeyUUID == apiKeyUUID {
				count++
			}
		}
		if count >= p.limits.MaxConnectionsPerApiKey {
			return fmt.Errorf("api key %s: connection cap of %d reached", apiKeyUUID, p.limits.MaxConnectionsPerApiKey)
		}
	}
	return nil
}

// onCrash fires from upstream.Client's crash callback. It marks the
// bucket crashed (so the next GetConnection redials) and reports the
// server error state through the tracker.
func (p *Pool) onCrash(key bucketKey, srv model.McpServer, exitCode int, signal string) {
	p.log.WithFields(logrus.Fields{
		"serverUuid": srv.ServerUUID,
		"exitCode":   exitCode,
		"signal":     signal,
	}).Warn("upstream connection crashed")

	p.mu.Lock()
	if existing, ok := p.buckets[key]; ok {
		existing.crashed = true
	}
	p.mu.Unlock()

	if p.tracker != nil {
		if err := p.tracker.MarkError(context.Background(), srv.ServerUUID); err != nil {
			p.log.WithError(err).Warn("failed to persist server error state after crash")
		}
	}
}

// InvalidateServerConnections closes and drops every connection bound
// to serverUUID, across all API keys, e.g. after an admin edits the
// server's definition.
func (p *Pool) InvalidateServerConnections(serverUUID string) {
	p.mu.Lock()
	var toClose []*conn
	for key, c := range p.buckets {
		if key.serverUUID == serverUUID {
			toClose = append(toClose, c)
			delete(p.buckets, key)
		}
	}
	p.mu.Unlock()
	p.closeAll(toClose)
}

// CleanupServerConnections is an alias for InvalidateServerConnections
// used by callers reacting to a server being disabled rather than
// edited; the eviction behavior is identical.
func (p *Pool) CleanupServerConnections(serverUUID string) {
	p.InvalidateServerConnections(serverUUID)
}

// CleanupApiKey closes every connection owned by apiKeyUUID, e.g. after
// the key is revoked.
func (p *Pool) CleanupApiKey(apiKeyUUID string) {
	p.mu.Lock()
	var toClose []*conn
	for key, c := range p.buckets {
		if key.apiKeyUUID == apiKeyUUID {
			toClose = append(toClose, c)
			delete(p.buckets, key)
		}
	}
	p.mu.Unlock()
	p.closeAll(toClose)
}

// PerformTimeBasedCleanup closes connections idle longer than
// limits.MaxIdleTime and any connection already flagged crashed. Meant
// to run on a ticker at limits.CleanupInterval.
func (p *Pool) PerformTimeBasedCleanup() {
	if p.limits.MaxIdleTime <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.limits.MaxIdleTime)

	p.mu.Lock()
	var toClose []*conn
	for key, c := range p.buckets {
		if c.crashed || c.lastUsed.Before(cutoff) {
			toClose = append(toClose, c)
			delete(p.buckets, key)
		}
	}
	p.mu.Unlock()
	p.closeAll(toClose)
}

// StartCleanup launches the idle-connection sweep goroutine on
// limits.CleanupInterval, calling PerformTimeBasedCleanup on every
// tick; call Stop to halt it during graceful shutdown. A
// CleanupInterval <= 0 leaves time-based eviction disabled, matching
// PerformTimeBasedCleanup's own no-op guard on MaxIdleTime.
func (p *Pool) StartCleanup() {
	if p.limits.CleanupInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cleanupCancel = cancel
	p.cleanupDone = make(chan struct{})
	go func() {
		defer close(p.cleanupDone)
		ticker := time.NewTicker(p.limits.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PerformTimeBasedCleanup()
			}
		}
	}()
}

// Stop halts the idle-connection cleanup ticker started by
// StartCleanup. Safe to call even if StartCleanup was never called.
func (p *Pool) Stop() {
	if p.cleanupCancel != nil {
		p.cleanupCancel()
		<-p.cleanupDone
	}
}

// CleanupAll closes every connection in the pool, e.g. during graceful
// shutdown.
func (p *Pool) CleanupAll() {
	p.mu.Lock()
	toClose := make([]*conn, 0, len(p.buckets))
	for key, c := range p.buckets {
		toClose = append(toClose, c)
		delete(p.buckets, key)
	}
	p.mu.Unlock()
	p.closeAll(toClose)
}

// Size reports the number of live connection buckets, for metrics.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

func (p *Pool) closeAll(conns []*conn) {
	for _, c := range conns {
		if c.client == nil {
			continue
		}
		if err := c.client.Close(); err != nil {
			p.log.WithError(err).Warn("error closing pooled connection")
		}
	}
}
