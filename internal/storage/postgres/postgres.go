// Package postgres stores scripts in PostgreSQL through GORM. Row locking on
// due triggers lets several scheduler replicas share one database.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the connection pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
	ConnectAttempts int           // Pings before Open gives up. Default: 5
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// DB is an open, pinged connection pool.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects and pings until the server answers, backing off between
// attempts so a database still starting up does not fail the process.
// Schema migration is left to Store.Migrate.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	sqlDB.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, 30*time.Minute))
	sqlDB.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, 10*time.Minute))

	d := &DB{gormDB: db, logger: slogger}
	attempts := orDefault(cfg.ConnectAttempts, 5)
	backoff := 250 * time.Millisecond
	for i := 1; ; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = d.Ping(ctx)
		cancel()
		if err == nil {
			break
		}
		if i == attempts {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", attempts, err)
		}
		slogger.Warn("postgres not ready, retrying",
			slog.Int("attempt", i),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
		backoff *= 2
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", orDefault(cfg.MaxOpenConns, 25)),
		slog.Int("max_idle_conns", orDefault(cfg.MaxIdleConns, 5)),
	)
	return d, nil
}

// GormDB returns the pool for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the connection for readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates or updates the script table. The sqlite backend
// shares it so both schemas stay identical.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&ScriptModel{})
}

// NewGormLogger routes GORM warnings and slow queries to slogger.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
