// Package errtracker persists per-upstream error state and enforces
// spawn cooldowns after a failed stdio launch.
package errtracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/repository"
)

// Tracker persists errorStatus per server through a repository.Servers
// and tracks spawn cooldowns purely in memory (a cooldown is a
// short-lived, process-local backoff; it does not need to survive a
// restart).
type Tracker struct {
	servers repository.Servers

	mu        sync.Mutex
	cooldowns map[string]time.Time // identity hash -> expiry
	duration  time.Duration
}

// New builds a Tracker backed by the given repository and cooldown
// window (a typical default is 10s).
func New(servers repository.Servers, cooldown time.Duration) *Tracker {
	return &Tracker{
		servers:   servers,
		cooldowns: make(map[string]time.Time),
		duration:  cooldown,
	}
}

// MarkError records that server crashed or failed to launch.
func (t *Tracker) MarkError(ctx context.Context, serverUUID string) error {
	return t.servers.SetErrorStatus(ctx, serverUUID, model.ErrorStatusError)
}

// ResetServerErrorState clears a server's ERROR status, e.g. after an
// operator-triggered retry.
func (t *Tracker) ResetServerErrorState(ctx context.Context, serverUUID string) error {
	return t.servers.SetErrorStatus(ctx, serverUUID, model.ErrorStatusNone)
}

// IsServerInErrorState reports the persisted error state for serverUUID.
func (t *Tracker) IsServerInErrorState(ctx context.Context, serverUUID string) (bool, error) {
	srv, err := t.servers.FindByID(ctx, serverUUID)
	if err != nil {
		return false, err
	}
	return srv.ErrorStatus == model.ErrorStatusError, nil
}

// Identity computes the stdio spawn-identity hash keyed on
// (command, args, env), with env keys sorted so map ordering never
// changes the hash.
func Identity(command string, args []string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sortedEnv := make(map[string]string, len(env))
	for _, k := range keys {
		sortedEnv[k] = env[k]
	}
	payload, _ := json.Marshal(struct {
		Command string
		Args    []string
		Env     map[string]string
	}{command, args, sortedEnv})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RecordFailedLaunch starts a cooldown window for the given identity
// hash after a failed stdio spawn attempt.
func (t *Tracker) RecordFailedLaunch(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cooldowns[identity] = time.Now().Add(t.duration)
}

// InCooldown reports whether identity is still within its cooldown
// window; connection attempts against it must be rejected fast without
// spawning.
func (t *Tracker) InCooldown(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.cooldowns[identity]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.cooldowns, identity)
		return false
	}
	return true
}

// ClearCooldown removes any cooldown for identity, e.g. once a launch
// succeeds.
func (t *Tracker) ClearCooldown(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cooldowns, identity)
}
