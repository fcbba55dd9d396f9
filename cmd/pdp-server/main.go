// Command pdp-server runs the central policy decision point: the control
// plane and data plane described in §6, backed by whichever persistence
// provider PDP_DATABASE_PROVIDER selects.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/hodei/verified-permissions/pkg/audit"
	"github.com/hodei/verified-permissions/pkg/cachemgr"
	"github.com/hodei/verified-permissions/pkg/config"
	"github.com/hodei/verified-permissions/pkg/decision"
	"github.com/hodei/verified-permissions/pkg/jwks"
	"github.com/hodei/verified-permissions/pkg/observability"
	"github.com/hodei/verified-permissions/pkg/repository"
	"github.com/hodei/verified-permissions/pkg/repository/memory"
	"github.com/hodei/verified-permissions/pkg/repository/postgres"
	"github.com/hodei/verified-permissions/pkg/repository/sqlite"
	"github.com/hodei/verified-permissions/pkg/service"
	"github.com/hodei/verified-permissions/pkg/tokenvalidator"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("open repository: %v", err)
	}
	defer closeRepo()

	ctx := context.Background()

	caches := cachemgr.New(repo, logger)
	if err := caches.Initialize(ctx); err != nil {
		log.Fatalf("warm policy caches: %v", err)
	}
	if cfg.ReloadInterval > 0 {
		stopReload := caches.StartBackgroundReload(ctx, cfg.ReloadInterval)
		defer stopReload()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse PDP_REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	metrics, err := observability.New(observability.DefaultConfig(), logger)
	if err != nil {
		log.Fatalf("init observability: %v", err)
	}
	defer metrics.Shutdown(ctx)

	keys := jwks.New(jwks.Config{
		TTL:             cfg.JWKSTTL,
		RefreshInterval: cfg.JWKSRefreshInterval,
		RequestTimeout:  cfg.JWKSRequestTimeout,
	}, redisClient, metrics, logger)
	validator := tokenvalidator.New(tokenvalidator.FromJWKSCache(keys))

	sink := audit.NewChannelSink(repo, 1024, logger)
	defer sink.Close()

	engine := decision.New(caches, repo, validator, sink, metrics, logger)
	svc := service.New(repo, caches, engine, logger)
	_ = svc // wired for an RPC front end that is out of scope here

	logger.Info("pdp-server ready", "host", cfg.Host, "port", cfg.Port, "database", cfg.DatabaseProvider)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	<-shutdownCtx.Done()
	logger.Info("pdp-server stopped")
}

// openRepository selects and opens the persistence provider named by
// cfg.DatabaseProvider. The returned close func is always safe to call.
func openRepository(cfg *config.Config) (repository.Repository, func(), error) {
	switch cfg.DatabaseProvider {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			return nil, nil, err
		}
		return postgres.New(db), func() { _ = db.Close() }, nil
	case "sqlite":
		repo, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
