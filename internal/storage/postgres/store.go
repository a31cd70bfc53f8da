package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/scriptbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB    *DB
	scripts *ScriptRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:    pgDB,
		scripts: NewScriptRepository(pgDB.GormDB()).WithRowLocking(),
	}
}

func (s *Store) Scripts() storage.ScriptStore {
	return s.scripts
}

// WithinTx runs fn in one transaction. Locks taken by DueTriggers are held
// until fn returns.
func (s *Store) WithinTx(ctx context.Context, fn func(storage.ScriptStore) error) error {
	return s.pgDB.GormDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewScriptRepository(tx).WithRowLocking())
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := AutoMigrate(ctx, s.pgDB.GormDB()); err != nil {
		return fmt.Errorf("migrating scripts: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

var _ storage.Store = (*Store)(nil)
