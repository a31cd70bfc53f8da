// Package sqlite stores scripts in a single SQLite file, the default
// backend. It shares the PostgreSQL repository and schema through GORM and
// uses the pure Go glebarez driver so the binary needs no cgo.
//
// Due triggers are polled without row locks, so only one scheduler should
// run against a file. Path ":memory:" opens a private in-memory database.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/scriptbox/internal/storage"
	pgstore "github.com/jkaninda/scriptbox/internal/storage/postgres"
)

// MemoryPath opens an in-memory database.
const MemoryPath = ":memory:"

// Config configures the database file.
type Config struct {
	Path        string // Database file, or MemoryPath.
	JournalMode string // Default: "wal".
}

// Store implements storage.Store over one SQLite database.
type Store struct {
	db      *gorm.DB
	path    string
	scripts *pgstore.ScriptRepository
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	file := cfg.Path
	if cfg.Path == MemoryPath {
		// WAL needs a file; an in-memory database keeps its own journal.
		journalMode = "memory"
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", file, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// Every pooled connection to ":memory:" would be a separate database, and
	// without WAL concurrent writers only trade SQLITE_BUSY errors.
	if cfg.Path == MemoryPath || journalMode != "wal" {
		sqlDB.SetMaxOpenConns(1)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{db: db, path: cfg.Path, scripts: pgstore.NewScriptRepository(db)}, nil
}

// Migrate runs GORM AutoMigrate with the same models as the PostgreSQL backend.
func (s *Store) Migrate(ctx context.Context) error {
	return pgstore.AutoMigrate(ctx, s.db)
}

// Scripts reuses the PostgreSQL repository; GORM's SQLite dialect handles
// the SQL differences.
func (s *Store) Scripts() storage.ScriptStore {
	return s.scripts
}

// WithinTx runs fn in one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(storage.ScriptStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(pgstore.NewScriptRepository(tx))
	})
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver reports storage.DriverSQLite.
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

var _ storage.Store = (*Store)(nil)
