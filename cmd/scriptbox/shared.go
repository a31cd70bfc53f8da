package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/scriptbox/internal/capability"
	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/storage"
	pgstore "github.com/jkaninda/scriptbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/scriptbox/internal/storage/sqlite"
	"github.com/jkaninda/scriptbox/internal/supervisor"
	"github.com/jkaninda/scriptbox/internal/whitelist"
)

var configPath string

// loadConfig reads the config file. A missing file at the default location
// falls back to built-in defaults; an explicitly named file must exist.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("SCRIPTBOX_CONFIG", configPath)
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(goutils.Env("SCRIPTBOX_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// engine is the sandbox shared by every command: guild capabilities and
// the supervisor enforcing the whitelist over them.
type engine struct {
	guilds *capability.Guilds
	sup    *supervisor.Supervisor
}

// newEngine builds the whitelist and supervisor from cfg. Without configured
// rules the guild capabilities get their default ceilings. obs may be nil.
func newEngine(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (*engine, error) {
	guilds := capability.NewGuilds()
	catalog := guilds.Catalog()

	var reg *whitelist.Registry
	if len(cfg.Whitelist.Rules) == 0 {
		var rules []*whitelist.ClassRule
		if !cfg.Whitelist.DisableBuiltinRules {
			rules = whitelist.BuiltinRules()
		}
		rules = append(rules, capability.DefaultRules()...)
		reg = whitelist.NewRegistry(catalog, rules...).WithScope(cfg.Whitelist.Scope())
	} else {
		var err error
		if reg, err = whitelist.FromConfig(&cfg.Whitelist, catalog); err != nil {
			return nil, fmt.Errorf("building whitelist: %w", err)
		}
	}
	logger.Debug("whitelist loaded",
		slog.Int("rules", len(reg.Rules())),
		slog.String("counter_scope", cfg.Whitelist.Scope()),
	)

	sup := supervisor.New(&cfg.Sandbox, reg, catalog, logger)
	if m := obs.MetricsOrNil(); m != nil {
		sup.WithMetrics(supervisor.NewMetrics(m.Registry))
	}
	if ts := obs.TracerOrNil(); ts != nil {
		sup.WithTracer(ts.Tracer())
	}
	return &engine{guilds: guilds, sup: sup}, nil
}

// initStore opens the configured stored script backend and migrates it.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SCRIPTBOX_DB_DSN)")
	}
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		ConnectAttempts: pg.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
