package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"muster/internal/config"
	"muster/internal/db"
	"muster/internal/engine"
	"muster/internal/lock"
	"muster/internal/logger"
	"muster/internal/migrate"
)

// Context is everything a command needs to talk to one workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *zap.Logger
	Engine    engine.Engine

	redis *redis.Client
}

// Open loads the workspace config, opens and migrates the database and wires
// the engine with the configured lock backend. A nil cfg means read muster.yml
// from the workspace, falling back to the defaults.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Context, error) {
	if cfg == nil {
		loaded, err := config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	c := &Context{Workspace: workspace, Config: cfg, DB: conn, Logger: log}
	locker, err := c.locker(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.Engine = engine.New(conn, locker, log)
	if cfg.Lock.TTLMS > 0 {
		c.Engine.LockTimeout = time.Duration(cfg.Lock.TTLMS) * time.Millisecond
	}
	return c, nil
}

func (c *Context) locker(ctx context.Context) (lock.Locker, error) {
	switch c.Config.Lock.Backend {
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Config.Redis.Addr,
			Password: c.Config.Redis.Password,
			DB:       c.Config.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", c.Config.Redis.Addr, err)
		}
		c.redis = client
		c.Logger.Info("using redis request locks", zap.String("addr", c.Config.Redis.Addr))
		return lock.NewRedis(client,
			time.Duration(c.Config.Lock.TTLMS)*time.Millisecond,
			time.Duration(c.Config.Lock.RetryMS)*time.Millisecond,
			c.Logger), nil
	default:
		return lock.NewMemory(), nil
	}
}

func (c *Context) Close() error {
	_ = c.Logger.Sync()
	if c.redis != nil {
		c.redis.Close()
	}
	return c.DB.Close()
}
