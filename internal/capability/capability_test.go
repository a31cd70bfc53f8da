package capability

import (
	"context"
	"errors"
	"testing"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/host"
)

// exec runs src with the capabilities of guild g bound.
func exec(t *testing.T, ctx context.Context, guilds *Guilds, g, src string) (starlark.StringDict, error) {
	t.Helper()
	m, err := bindings.NewManager(guilds.Contribution(g))
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.NewProvider()
	if err != nil {
		t.Fatal(err)
	}
	set, err := p.Bind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	predeclared, err := set.Take()
	if err != nil {
		t.Fatal(err)
	}
	thread := &starlark.Thread{Name: t.Name()}
	host.WithContext(thread, ctx)
	return starlark.ExecFile(thread, "test.star", src, predeclared)
}

func TestGuilds_StatePersistsAcrossExecutions(t *testing.T) {
	guilds := NewGuilds()
	if _, err := exec(t, context.Background(), guilds, "g1", `
guild.queue().add("song-a")
guild.queue().add("song-b")
fs.write("notes.txt", "hello")
guild.settings().set("prefix", "?")
`); err != nil {
		t.Fatalf("first run: %v", err)
	}

	globals, err := exec(t, context.Background(), guilds, "g1", `
size = guild.queue().size()
skipped = guild.queue().skip()
note = fs.read("notes.txt")
prefix = guild.settings().get("prefix")
missing = guild.settings().get("nope", "default")
`)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	checks := map[string]starlark.Value{
		"size":    starlark.MakeInt(2),
		"skipped": starlark.String("song-a"),
		"note":    starlark.String("hello"),
		"prefix":  starlark.String("?"),
		"missing": starlark.String("default"),
	}
	for name, want := range checks {
		if eq, _ := starlark.Equal(globals[name], want); !eq {
			t.Errorf("%s = %v, want %v", name, globals[name], want)
		}
	}
	if got := guilds.Guild("g1").Queue.Tracks(); len(got) != 1 || got[0] != "song-b" {
		t.Errorf("tracks = %v", got)
	}
}

func TestGuilds_Isolated(t *testing.T) {
	guilds := NewGuilds()
	if _, err := exec(t, context.Background(), guilds, "g1", `fs.write("a", "1")`); err != nil {
		t.Fatal(err)
	}
	if files := guilds.Guild("g2").Files.Files(); len(files) != 0 {
		t.Errorf("guild g2 sees files %v", files)
	}
}

func TestCapability_ContextChecked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	guilds := NewGuilds()
	_, err := exec(t, ctx, guilds, "g1", `guild.queue().add("x")`)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if n := len(guilds.Guild("g1").Queue.Tracks()); n != 0 {
		t.Errorf("queue has %d tracks after a cancelled add", n)
	}
}

func TestCatalog_Hierarchy(t *testing.T) {
	catalog := NewGuilds().Catalog()
	ancestors := catalog.Ancestors(MemoryFileStoreType)
	if len(ancestors) != 1 || ancestors[0] != FileStoreType {
		t.Errorf("ancestors = %v, want [FileStore]", ancestors)
	}
	guild, ok := catalog.Lookup(GuildType)
	if !ok {
		t.Fatal("Guild type not registered")
	}
	if m, _ := guild.Method("queue"); m.Result != AudioQueueType {
		t.Errorf("queue result = %q", m.Result)
	}
}

func TestFileStore_Delete(t *testing.T) {
	guilds := NewGuilds()
	globals, err := exec(t, context.Background(), guilds, "g1", `
fs.write("a", "1")
first = fs.delete("a")
second = fs.delete("a")
`)
	if err != nil {
		t.Fatal(err)
	}
	if globals["first"] != starlark.True || globals["second"] != starlark.False {
		t.Errorf("delete results = %v, %v", globals["first"], globals["second"])
	}
}
