package main

import (
	"fmt"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Borealin/pick-runner-action/v1/adapter"
	"github.com/Borealin/pick-runner-action/v1/config"
)

// openStore builds the reference store selected by cfg.Backend. The returned
// close function releases the backend connection.
func openStore(cfg *config.Config) (adapter.RefStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendGitHub:
		s, err := adapter.NewGitHubStore(cfg.GitHub.Repository, cfg.GitHub.Token, adapter.WithGitHubAPI(cfg.GitHub.API))
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		var opts []adapter.RedisOption
		if cfg.Redis.Prefix != "" {
			opts = append(opts, adapter.WithKeyPrefix(cfg.Redis.Prefix))
		}
		return adapter.NewRedisStore(client, opts...), client.Close, nil
	case config.BackendSQL:
		var dialector gorm.Dialector
		switch cfg.SQL.Driver {
		case "sqlite":
			dialector = sqlite.Open(cfg.SQL.DSN)
		case "mysql":
			dialector = mysql.Open(cfg.SQL.DSN)
		case "postgres":
			dialector = postgres.Open(cfg.SQL.DSN)
		default:
			return nil, nil, fmt.Errorf("unsupported sql driver %q", cfg.SQL.Driver)
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s database: %w", cfg.SQL.Driver, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		var opts []adapter.GormOption
		if cfg.SQL.Table != "" {
			opts = append(opts, adapter.WithGormTableName(cfg.SQL.Table))
		}
		s, err := adapter.NewGormStore(db, opts...)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return s, sqlDB.Close, nil
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("pick-runner"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		var opts []adapter.NATSOption
		if cfg.NATS.Bucket != "" {
			opts = append(opts, adapter.WithNATSBucket(cfg.NATS.Bucket))
		}
		s, err := adapter.NewNATSStore(conn, opts...)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return s, func() error { conn.Close(); return nil }, nil
	case config.BackendMemory:
		return adapter.NewInMemoryStore(), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
