package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "scripts.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func create(t *testing.T, store storage.ScriptStore, sc storage.Script) *storage.Script {
	t.Helper()
	if err := store.Create(context.Background(), &sc); err != nil {
		t.Fatalf("creating %s: %v", sc.Identifier, err)
	}
	return &sc
}

func TestScripts_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sc := create(t, s.Scripts(), storage.Script{
		GuildID:    "g1",
		Identifier: "greet",
		Source:     `print("hi")`,
		Usage:      storage.UsageScript,
	})
	if sc.ID == uuid.Nil {
		t.Fatal("ID not assigned")
	}

	got, err := s.Scripts().Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Identifier != "greet" || got.Source != `print("hi")` || got.Usage != storage.UsageScript {
		t.Errorf("got %+v", got)
	}

	byName, err := s.Scripts().GetByIdentifier(ctx, "g1", "greet")
	if err != nil || byName.ID != sc.ID {
		t.Errorf("GetByIdentifier = %v, %v", byName, err)
	}
	if _, err := s.Scripts().GetByIdentifier(ctx, "g2", "greet"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("other guild: err = %v, want ErrNotFound", err)
	}
}

func TestScripts_DuplicateIdentifier(t *testing.T) {
	s := testStore(t)
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "x", Source: "1", Usage: storage.UsageScript})

	err := s.Scripts().Create(context.Background(), &storage.Script{GuildID: "g1", Identifier: "x", Source: "2", Usage: storage.UsageScript})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
	// Identifiers are per guild.
	create(t, s.Scripts(), storage.Script{GuildID: "g2", Identifier: "x", Source: "3", Usage: storage.UsageScript})
}

func TestScripts_ListInChainOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "second", Source: "2", Usage: storage.UsageInterceptor, Active: true, Position: 2})
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "first", Source: "1", Usage: storage.UsageInterceptor, Active: true, Position: 1})
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "off", Source: "0", Usage: storage.UsageInterceptor, Position: 0})
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "fin", Source: "0", Usage: storage.UsageFinalizer, Active: true})

	got, err := s.Scripts().List(ctx, storage.Filter{GuildID: "g1", Usage: storage.UsageInterceptor, ActiveOnly: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Identifier != "first" || got[1].Identifier != "second" {
		t.Errorf("got %v", identifiers(got))
	}

	all, err := s.Scripts().List(ctx, storage.Filter{GuildID: "g1"})
	if err != nil || len(all) != 4 {
		t.Errorf("all = %v, %v", identifiers(all), err)
	}
}

func TestScripts_UpdateAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sc := create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "x", Source: "1", Usage: storage.UsageScript})

	sc.Source = "2"
	if err := s.Scripts().Update(ctx, sc); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Scripts().Get(ctx, sc.ID)
	if got.Source != "2" {
		t.Errorf("source = %q", got.Source)
	}

	if err := s.Scripts().Delete(ctx, sc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Scripts().Get(ctx, sc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete: err = %v", err)
	}
	if err := s.Scripts().Delete(ctx, sc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
	// The identifier is free again.
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "x", Source: "3", Usage: storage.UsageScript})
}

func TestScripts_DueTriggers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	due := create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "due", Source: "1", Usage: storage.UsageTrigger, Active: true, Schedule: "* * * * *", NextRunAt: &past})
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "later", Source: "1", Usage: storage.UsageTrigger, Active: true, Schedule: "0 * * * *", NextRunAt: &future})
	create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "inactive", Source: "1", Usage: storage.UsageTrigger, Schedule: "* * * * *", NextRunAt: &past})

	var got []storage.Script
	err := s.WithinTx(ctx, func(tx storage.ScriptStore) error {
		var err error
		got, err = tx.DueTriggers(ctx, now)
		if err != nil {
			return err
		}
		return tx.RecordRun(ctx, due.ID, "succeeded", future)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("due = %v", identifiers(got))
	}

	after, _ := s.Scripts().Get(ctx, due.ID)
	if after.LastStatus != "succeeded" || after.LastRunAt == nil || !after.NextRunAt.Equal(future) {
		t.Errorf("after run: %+v", after)
	}
	if again, _ := s.Scripts().DueTriggers(ctx, now); len(again) != 0 {
		t.Errorf("still due: %v", identifiers(again))
	}
}

func TestScripts_SetActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sc := create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "x", Source: "1", Usage: storage.UsageScript})

	if err := s.Scripts().SetActive(ctx, sc.ID, true, nil); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, _ := s.Scripts().Get(ctx, sc.ID)
	if !got.Active {
		t.Error("script not active")
	}
	if err := s.Scripts().SetActive(ctx, uuid.New(), true, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
}

func identifiers(scripts []storage.Script) []string {
	out := make([]string, len(scripts))
	for i, s := range scripts {
		out[i] = s.Identifier
	}
	return out
}

func TestOpen_Memory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: MemoryPath}, logger)
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// The single pooled connection keeps the schema visible to every query.
	sc := create(t, s.Scripts(), storage.Script{GuildID: "g1", Identifier: "mem", Source: "1", Usage: storage.UsageScript})
	if _, err := s.Scripts().Get(ctx, sc.ID); err != nil {
		t.Errorf("Get: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for empty path")
	}
}
