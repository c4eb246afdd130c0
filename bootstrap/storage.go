package bootstrap

import (
	"context"
	"fmt"
	"time"

	"rulekeeper/config"
	"rulekeeper/notify"
	"rulekeeper/storage"

	"go.uber.org/zap"
)

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite    *storage.SQLite
	Store     *storage.RuleStore
	Publisher notify.Publisher
}

// InitSQLite opens the catalog database and brings its schema up to date.
func InitSQLite(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	dbPath := cfg.DataPaths.SQLitePath

	sqlite, err := storage.NewSQLite(dbPath, sugar)
	if err != nil {
		printFatalBanner("SQLite Initialization Failed", ClassifySQLiteError(err, dbPath))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	if err := sqlite.RunMigrations(ctx); err != nil {
		printFatalBanner("SQLite Migration Failed", ClassifySQLiteError(err, dbPath))
		_ = sqlite.Close()
		return nil, fmt.Errorf("failed to run SQLite migrations: %w", err)
	}

	sugar.Infow("SQLite initialized successfully", "path", dbPath)
	return sqlite, nil
}

// InitPublisher connects the rule change stream. A disabled stream yields a
// NopPublisher. An unreachable Redis aborts startup in strict mode and falls
// back to a NopPublisher in graceful mode.
func InitPublisher(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (notify.Publisher, error) {
	if !cfg.Redis.Enabled {
		sugar.Info("Rule change stream disabled")
		return notify.NopPublisher{}, nil
	}

	publisher := notify.NewRedisPublisher(notify.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Stream:   cfg.Redis.Stream,
		MaxLen:   cfg.Redis.MaxLen,
	}, sugar)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := publisher.Ping(pingCtx); err != nil {
		_ = publisher.Close()
		if cfg.IsGracefulMode() {
			sugar.Warnw("Redis unavailable, rule changes will not be published",
				"addr", cfg.Redis.Addr,
				"error", err)
			return notify.NopPublisher{}, nil
		}
		printFatalBanner("Redis Connection Failed", ClassifyRedisError(err, cfg.Redis.Addr))
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	guarded, err := notify.NewBreakerPublisher(publisher, notify.DefaultBreakerConfig(), sugar)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	sugar.Infow("Rule change stream connected",
		"addr", cfg.Redis.Addr,
		"stream", cfg.Redis.Stream)
	return guarded, nil
}

// InitStorage initializes the database, the rule store and the change stream.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}

	publisher, err := InitPublisher(ctx, cfg, sugar)
	if err != nil {
		_ = sqlite.Close()
		return nil, err
	}

	return &StorageComponents{
		SQLite:    sqlite,
		Store:     storage.NewRuleStore(sqlite, sugar),
		Publisher: publisher,
	}, nil
}
