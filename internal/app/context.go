package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"concursohub/internal/cache"
	"concursohub/internal/config"
	"concursohub/internal/db"
	"concursohub/internal/engine"
	"concursohub/internal/logging"
	"concursohub/internal/migrate"
	"concursohub/internal/pgstore"
	"concursohub/internal/repo"
)

// Options tune how a Runtime is assembled. Zero values read chub.yml from the
// current directory and build the logger it configures.
type Options struct {
	Workspace     string
	Config        *config.Config
	Logger        *zap.Logger
	RedisPassword string
}

// Runtime is a configured engine plus the resources it holds open.
type Runtime struct {
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger

	closers []func() error
}

// Open loads config, opens and migrates the configured store and wires caches
// into a ready engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	store, err := rt.openStore(ctx, opts.Workspace)
	if err != nil {
		rt.Close()
		return nil, err
	}
	inv := BuildInvalidator(cfg, opts.RedisPassword, logger)
	if r, ok := inv.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, r.Close)
	}
	eng := engine.New(store, cfg)
	eng.Logger = logger
	eng.Cache = inv
	rt.Engine = eng
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, workspace string) (engine.Store, error) {
	switch rt.Config.Store.Driver {
	case "postgres":
		gdb, err := pgstore.Open(rt.Config.Store.DSN)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			rt.closers = append(rt.closers, sqlDB.Close)
		}
		s := pgstore.New(gdb)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		rt.Logger.Debug("store opened", zap.String("driver", "postgres"))
		return s, nil
	default:
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, conn.Close)
		applied, err := migrate.MigrateContext(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		rt.Logger.Debug("store opened", zap.String("driver", "sqlite"), zap.String("path", db.Path(workspace)), zap.Int("migrations_applied", applied))
		return repo.New(conn), nil
	}
}

// SQLDB returns the SQLite handle when the sqlite driver is active.
func (rt *Runtime) SQLDB() (*sql.DB, bool) {
	r, ok := rt.Engine.Store.(repo.Repo)
	if !ok {
		return nil, false
	}
	return r.DB, true
}

// Close releases every resource in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.Logger != nil {
		_ = rt.Logger.Sync()
	}
	return errors.Join(errs...)
}

// BuildInvalidator returns the cache targets configured under cache:, or a no-op.
func BuildInvalidator(cfg *config.Config, redisPassword string, logger *zap.Logger) cache.Invalidator {
	var targets multiCloser
	if cfg.Cache.RedisAddr != "" {
		targets = append(targets, cache.NewRedis(cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: redisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   cfg.Cache.RedisPrefix,
		}, logger))
	}
	if len(cfg.Cache.Revalidate) > 0 {
		targets = append(targets, cache.NewWebhooks(cfg.Cache.Revalidate, logger))
	}
	if len(targets) == 0 {
		return cache.Nop()
	}
	return targets
}

// multiCloser is a cache.Multi that also closes the targets holding connections.
type multiCloser cache.Multi

func (m multiCloser) Invalidate(ctx context.Context, paths ...string) error {
	return cache.Multi(m).Invalidate(ctx, paths...)
}

func (m multiCloser) Close() error {
	var errs []error
	for _, inv := range m {
		if c, ok := inv.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
