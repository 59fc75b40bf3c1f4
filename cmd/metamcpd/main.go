// Command metamcpd runs the MetaMCP gateway: it wires configuration,
// persistence, the connection pool, the response cache, the aggregation
// handlers, and the session router together, then serves HTTP until
// told to shut down.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/metamcp/gateway/internal/aggregator"
	"github.com/metamcp/gateway/internal/cache"
	"github.com/metamcp/gateway/internal/cache/dynamostore"
	"github.com/metamcp/gateway/internal/config"
	"github.com/metamcp/gateway/internal/errtracker"
	"github.com/metamcp/gateway/internal/logging"
	"github.com/metamcp/gateway/internal/metamcpserver"
	"github.com/metamcp/gateway/internal/orchestrator"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository"
	"github.com/metamcp/gateway/internal/repository/memstore"
	"github.com/metamcp/gateway/internal/repository/sqlstore"
	"github.com/metamcp/gateway/internal/router"
	"github.com/metamcp/gateway/internal/systemtoken"
	"github.com/metamcp/gateway/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config document (optional)")
	dbPath := flag.String("db", "", "path to a sqlite database file; empty uses an in-memory store")
	overridesPath := flag.String("overrides", "", "path to a namespace tool-overrides JSON document (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := logging.New()
	log := logging.Component(logger, "metamcpd")

	repo, closeRepo := openRepository(*dbPath, log)
	defer closeRepo()

	tracker := errtracker.New(repo, cfg.Stdio.CooldownDuration)
	connPool := pool.New(pool.Limits{
		MaxIdleTime:             cfg.Pool.MaxIdleTime,
		CleanupInterval:         cfg.Pool.CleanupInterval,
		MaxConnectionsPerApiKey: cfg.Pool.MaxConnectionsPerApiKey,
		MaxGlobalConnections:    cfg.Pool.MaxGlobalConnections,
	}, tracker, log)
	connPool.StartCleanup()

	respCache := buildCache(cfg, log)
	ttlPolicy := cache.StaticTTLPolicy{
		Default:      cfg.Cache.DefaultTTL,
		ListingTTL:   cfg.Cache.ListingTTL,
		TaskStateTTL: cfg.Cache.TaskStateTTL,
	}

	timeouts := upstream.Timeouts{
		RequestTimeout:         cfg.Timeouts.RequestTimeout,
		MaxTotalTimeout:        cfg.Timeouts.MaxTotalTimeout,
		ResetTimeoutOnProgress: cfg.Timeouts.ResetTimeoutOnProgress.OrElse(true),
	}

	overrides, err := aggregator.LoadOverrides(*overridesPath)
	if err != nil {
		log.WithError(err).Fatal("load tool overrides")
	}

	base := aggregator.NewBaseHandler(repo, repo, connPool, timeouts, cfg.Stdio.ShutdownGrace, log)
	chain := aggregator.Compose(aggregator.FilterTools(repo), aggregator.Overrides(overrides), aggregator.Cache(respCache, ttlPolicy, repo))
	factory := metamcpserver.New(base, chain)

	r := router.New(router.Deps{
		ApiKeys:                repo,
		Factory:                factory,
		Cache:                  respCache,
		Pool:                   connPool,
		Log:                    log,
		LogEnabled:             cfg.LogEnabled.OrElse(true),
		IncludeInactiveServers: cfg.IncludeInactiveServers.OrElse(false),
	})
	r.StartReaper(cfg.Session.CleanupInterval, cfg.Session.MaxIdleTime)

	var signer *systemtoken.Signer
	if secret := os.Getenv("METAMCP_SYSTEM_TOKEN_SECRET"); secret != "" {
		signer, err = systemtoken.NewSigner([]byte(secret), 5*time.Minute)
		if err != nil {
			log.WithError(err).Warn("failed to build system token signer; warm-up connections will be unsigned")
			signer = nil
		}
	}
	orc := orchestrator.New(repo, connPool, respCache, timeouts, cfg.Stdio.ShutdownGrace, cfg.StartupWarmupDelay, signer, log)

	ctx, cancel := context.WithCancel(context.Background())
	go orc.WarmUp(ctx)

	if cfg.Cache.CleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Cache.CleanupInterval) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					respCache.Sweep()
				}
			}
		}()
	}

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	orc.Shutdown(r)
	log.Info("shutdown complete")
}

func openRepository(dbPath string, log *logrus.Entry) (repository.Repository, func()) {
	if dbPath == "" {
		log.Info("no -db path given; using an in-memory repository")
		return memstore.New(), func() {}
	}
	store, err := sqlstore.Open(dbPath)
	if err != nil {
		log.WithError(err).Fatal("open sqlite repository")
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("close sqlite repository")
		}
	}
}

func buildCache(cfg *config.Config, log *logrus.Entry) *cache.Cache {
	var remote cache.RemoteStore
	if cfg.DynamoDB.Enabled {
		store, err := dynamostore.Open(context.Background(), cfg.DynamoDB.TableName, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint)
		if err != nil {
			log.WithError(err).Warn("failed to open DynamoDB L2 cache; continuing L1-only")
		} else {
			remote = store
		}
	}
	return cache.New(cfg.Cache.MaxMemoryEntries, cfg.Cache.L2MinTTL, remote, log)
}
