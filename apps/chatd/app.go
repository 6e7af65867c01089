package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/config"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/snowflake"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/store"
)

// app holds the connections shared by the commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	redis  *redis.Client
	log    store.MessageLog
	dir    store.Directory

	closers []func() error
}

func newLogger(cfg *config.Config, verbose bool) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	rdb, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)
	logger.Info().Msg("connected to Redis")

	var sqlite *store.SQLiteStore
	if cfg.LogBackend == config.BackendSQLite || cfg.DirectoryBackend == config.BackendSQLite {
		sqlite, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, sqlite.Close)
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	}

	switch cfg.LogBackend {
	case config.BackendScylla:
		if err := store.EnsureScyllaSchema(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
			a.Close()
			return nil, fmt.Errorf("scylla schema: %w", err)
		}
		session, err := store.NewScyllaSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("scylla: %w", err)
		}
		node, err := snowflake.NewNode(cfg.NodeID)
		if err != nil {
			session.Close()
			a.Close()
			return nil, err
		}
		scylla := store.NewScyllaLog(session, node)
		a.log = scylla
		a.closers = append(a.closers, scylla.Close)
		logger.Info().Strs("hosts", cfg.ScyllaHosts).Msg("connected to ScyllaDB")
	default:
		a.log = sqlite
	}

	switch cfg.DirectoryBackend {
	case config.BackendPostgres:
		pg, err := store.NewPostgresDirectory(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		a.dir = pg
		logger.Info().Msg("connected to PostgreSQL")
	default:
		a.dir = sqlite
	}

	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadConfig(opts *RootOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	return cfg, newLogger(cfg, opts.Verbose), nil
}
