package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"GeoQuery-App/internal/application"
	"GeoQuery-App/internal/config"
	"GeoQuery-App/internal/domain/query"
	"GeoQuery-App/internal/domain/repository"
	"GeoQuery-App/internal/infrastructure/database"
	fsinfra "GeoQuery-App/internal/infrastructure/firestore"
	redisinfra "GeoQuery-App/internal/infrastructure/redis"
	storeimpl "GeoQuery-App/internal/repository"
)

// storeEnv 設定されたドライバーのストアとその上のCollection
type storeEnv struct {
	Store      repository.LocationStore
	Collection application.Collection
	closers    []func() error
}

// Close 開いた接続を逆順に閉じる
func (e *storeEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("⚠️ Failed to close store resource", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*storeEnv, error) {
	logger := zap.L()
	env := &storeEnv{}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		store := storeimpl.NewMemoryLocationStore(logger)
		env.Store = store
		env.closers = append(env.closers, store.Close)

	case config.DriverFirestore:
		client, err := fsinfra.NewFirestoreClient(ctx, cfg.Firestore.ProjectID, cfg.Firestore.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, client.Close)
		env.Store = storeimpl.NewFirestoreLocationStore(client.GetClient(), cfg.Store.Collection, logger)

	case config.DriverRedis:
		client, err := redisinfra.NewRedisClient(ctx, redisinfra.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, client.Close)
		env.Store = storeimpl.NewRedisLocationStore(client, cfg.Redis.Namespace, logger)

	case config.DriverPostgres:
		client, err := database.NewPostgreSQLClient(ctx, cfg.Postgres.DatabaseURL)
		if err != nil {
			return nil, err
		}
		env.closers = append(env.closers, client.Close)
		store := storeimpl.NewPostgresLocationStore(client, cfg.Postgres.Channel, logger)
		env.closers = append(env.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			env.Close()
			return nil, err
		}
		env.Store = store

	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	env.Collection = application.NewCollection(env.Store,
		application.WithLogger(logger),
		application.WithQueryOptions(queryOptions(cfg)...))
	return env, nil
}

func queryOptions(cfg *config.Config) []query.Option {
	return []query.Option{
		query.WithCleanupInterval(cfg.Query.CleanupInterval),
		query.WithCleanupDebounce(cfg.Query.CleanupDebounce),
		query.WithMaxRangesBeforeCleanup(cfg.Query.MaxRangesBeforeCleanup),
		query.WithOrderField(cfg.Store.OrderField),
	}
}
