package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/catalogimport/internal/clients"
	"github.com/JonMunkholm/catalogimport/internal/config"
	"github.com/JonMunkholm/catalogimport/internal/core"
	"github.com/JonMunkholm/catalogimport/internal/store/postgres"
	"github.com/JonMunkholm/catalogimport/internal/store/redis"
)

// buildDeps connects the configured backends. The returned func closes
// whatever was opened and is safe to call more than once.
func buildDeps(ctx context.Context, cfg *config.Config) (core.ServiceDeps, func(), error) {
	var (
		deps    core.ServiceDeps
		pool    *pgxpool.Pool
		rclient *goredis.Client
		closed  bool
	)
	closeAll := func() {
		if closed {
			return
		}
		closed = true
		if rclient != nil {
			rclient.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}

	if cfg.NeedsDatabase() || cfg.Database.URL != "" {
		var err error
		pool, err = postgres.Open(ctx, postgres.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return deps, closeAll, err
		}
		slog.Info("connected to database", "name", databaseName(cfg.Database.URL))

		if cfg.Database.EnsureSchema {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				closeAll()
				return deps, closeAll, err
			}
		}
		deps.Audit = postgres.NewAuditSink(pool)
	}

	switch cfg.Mapping.CacheBackend {
	case config.BackendPostgres:
		deps.Cache = postgres.NewMappingCache(pool)
	case config.BackendRedis:
		var err error
		rclient, err = redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			closeAll()
			return deps, closeAll, err
		}
		deps.Cache = redis.NewMappingCache(rclient, cfg.Redis.KeyPrefix)
	}

	switch cfg.Import.StoreBackend {
	case config.BackendPostgres:
		deps.Store = postgres.NewProductStore(pool)
	case config.BackendHTTP:
		deps.Store = clients.NewProductStoreClient(clients.ProductStoreConfig{
			BaseURL: cfg.Import.StoreURL,
			APIKey:  cfg.Import.StoreAPIKey,
		})
	}

	if cfg.Mapping.SemanticURL != "" {
		deps.Semantic = clients.NewSemanticClient(clients.SemanticConfig{
			URL:               cfg.Mapping.SemanticURL,
			APIKey:            cfg.Mapping.SemanticAPIKey,
			RequestsPerSecond: cfg.Mapping.SemanticRPS,
		})
	}

	if len(cfg.Import.Channels) > 0 {
		hc := clients.NewHTTPClient(cfg.Import.SyndicationTimeout)
		retry := clients.NewRetrier(clients.DefaultRetryConfig())
		for _, raw := range cfg.Import.Channels {
			if _, err := url.ParseRequestURI(raw); err != nil {
				closeAll()
				return deps, closeAll, fmt.Errorf("syndication channel %q: %w", raw, err)
			}
			deps.Channels = append(deps.Channels, clients.NewWebhookChannel(raw, hc, retry))
		}
	}

	slog.Info("backends ready",
		"cache", cfg.Mapping.CacheBackend,
		"store", cfg.Import.StoreBackend,
		"semantic", deps.Semantic != nil,
		"audit_persisted", deps.Audit != nil,
		"channels", len(deps.Channels),
	)
	return deps, closeAll, nil
}

func databaseName(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return strings.TrimPrefix(u.Path, "/")
	}
	return ""
}
