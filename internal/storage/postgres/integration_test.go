//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Trigger locking ---

func TestDueTriggers_SkipLocked(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	guild := fmt.Sprintf("test-%s", uuid.New().String()[:8])

	past := time.Now().UTC().Add(-time.Minute)
	sc := &storage.Script{
		GuildID: guild, Identifier: "tick", Source: "1",
		Usage: storage.UsageTrigger, Active: true, Schedule: "* * * * *", NextRunAt: &past,
	}
	if err := store.Scripts().Create(ctx, sc); err != nil {
		t.Fatalf("creating trigger: %v", err)
	}
	t.Cleanup(func() { _ = store.Scripts().Delete(ctx, sc.ID) })

	// Several pollers race; the row lock lets exactly one of them fire it.
	const pollers = 5
	var fired atomic.Int32
	var wg sync.WaitGroup
	wg.Add(pollers)
	for i := 0; i < pollers; i++ {
		go func() {
			defer wg.Done()
			_ = store.WithinTx(ctx, func(tx storage.ScriptStore) error {
				due, err := tx.DueTriggers(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				for _, d := range due {
					if d.ID == sc.ID {
						fired.Add(1)
						return tx.RecordRun(ctx, d.ID, "succeeded", time.Now().UTC().Add(time.Hour))
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if got := fired.Load(); got != 1 {
		t.Errorf("trigger fired %d times, want 1", got)
	}
}
