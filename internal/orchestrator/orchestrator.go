// Package orchestrator owns process lifecycle: warming idle upstream
// connections for every actively-mapped server at boot, and draining
// the reaper, sessions, and pools on graceful shutdown.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/metamcp/gateway/internal/cache"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository"
	"github.com/metamcp/gateway/internal/systemtoken"
	"github.com/metamcp/gateway/internal/upstream"
)

// SystemApiKeyUUID identifies the reserved internal bucket the
// orchestrator's warm-up connections are pooled under, distinct from
// any real client's API-key UUID.
const SystemApiKeyUUID = "system:startup-orchestrator"

// Reaper is the subset of router.Router the orchestrator needs to stop
// on shutdown, kept minimal so this package never imports router.
type Reaper interface {
	Stop()
}

// Orchestrator drives startup warm-up and coordinated shutdown.
type Orchestrator struct {
	namespaces    repository.Namespaces
	pool          *pool.Pool
	cache         *cache.Cache
	timeouts      upstream.Timeouts
	shutdownGrace time.Duration
	warmupDelay   time.Duration
	signer        *systemtoken.Signer
	log           *logrus.Entry
}

// New builds an Orchestrator. signer may be nil, in which case warm-up
// connections are opened without minting an auditable token (acceptable
// for local/dev deployments that never wire a signing secret).
func New(namespaces repository.Namespaces, p *pool.Pool, c *cache.Cache, timeouts upstream.Timeouts, shutdownGrace, warmupDelay time.Duration, signer *systemtoken.Signer, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		namespaces:    namespaces,
		pool:          p,
		cache:         c,
		timeouts:      timeouts,
		shutdownGrace: shutdownGrace,
		warmupDelay:   warmupDelay,
		signer:        signer,
		log:           log,
	}
}

// WarmUp establishes one idle connection per server referenced by some
// ACTIVE namespace mapping, deferred by warmupDelay so clients
// reconnecting via an OAuth callback don't race the just-bound listener.
// A server registered but never mapped into any namespace is never
// dialed here — it would only ever compete with real client acquisitions
// for the pool's global connection cap for no client-visible benefit. It
// never fails startup: a server that can't be warmed is logged and
// skipped, since its ERROR state will already be visible to callers
// through the usual per-call path.
func (o *Orchestrator) WarmUp(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.warmupDelay):
	}

	mappings, err := o.namespaces.AllServerMappings(ctx)
	if err != nil {
		o.log.WithError(err).Error("startup warm-up: list namespace server mappings")
		return
	}

	servers := make(map[string]model.McpServer, len(mappings))
	for _, m := range mappings {
		if _, ok := servers[m.ServerUUID]; !ok {
			servers[m.ServerUUID] = m.ServerParams
		}
	}

	var eg errgroup.Group
	for _, srv := range servers {
		srv := srv
		if srv.ErrorStatus == model.ErrorStatusError {
			continue
		}
		eg.Go(func() error {
			var token string
			if o.signer != nil {
				t, err := o.signer.Issue(srv.ServerUUID)
				if err != nil {
					o.log.WithError(err).WithField("serverUuid", srv.ServerUUID).Warn("failed to mint system warm-up token")
				} else {
					token = t
				}
			}
			if _, err := o.pool.GetConnection(ctx, SystemApiKeyUUID, srv, o.timeouts, o.shutdownGrace); err != nil {
				o.log.WithError(err).WithField("serverUuid", srv.ServerUUID).Warn("startup warm-up: connect failed")
				return nil
			}
			entry := o.log.WithField("serverUuid", srv.ServerUUID)
			if token != "" {
				entry = entry.WithField("systemToken", token)
			}
			entry.Info("startup warm-up: connection ready")
			return nil
		})
	}
	_ = eg.Wait()
}

// Shutdown stops the router's reaper (which itself closes every live
// session), drains every pooled connection, and leaves the cache to be
// garbage collected — there is nothing to flush to disk since both
// cache tiers are either in-memory or externally durable (DynamoDB).
func (o *Orchestrator) Shutdown(reaper Reaper) {
	if reaper != nil {
		reaper.Stop()
	}
	o.pool.Stop()
	o.pool.CleanupAll()
	if o.cache != nil {
		o.log.WithField("cacheStatus", o.cache.GetStatus()).Info("shutdown: final cache snapshot")
	}
}
