// Package capability implements the guild objects scripts are allowed to touch:
// a file area, a playback queue and guild settings. Every mutating method
// checks the execution context so that a timed-out script stops at its next
// host call even when the method carries no invocation ceiling.
package capability

import (
	"context"
	"fmt"
	"sync"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/host"
	"github.com/jkaninda/scriptbox/internal/whitelist"
)

// Binding names under which guild capabilities are exposed.
const (
	GuildBinding = "guild"
	FilesBinding = "fs"
)

type types struct {
	guild    *host.Type
	queue    *host.Type
	settings *host.Type
	files    *host.Type
}

// Guilds owns the state of every guild and hands out per-execution
// capability objects over it.
type Guilds struct {
	types *types

	mu     sync.Mutex
	guilds map[string]*Guild
}

// NewGuilds creates an empty guild registry.
func NewGuilds() *Guilds {
	t := &types{
		queue:    audioQueueType(),
		settings: guildSettingsType(),
		files:    memoryFileStoreType(),
	}
	t.guild = guildType(t)
	return &Guilds{types: t, guilds: make(map[string]*Guild)}
}

// Types returns the host types of the guild capabilities.
func (g *Guilds) Types() []*host.Type {
	return []*host.Type{g.types.guild, g.types.queue, g.types.settings, g.types.files}
}

// Catalog returns a type catalog holding the guild capability types.
func (g *Guilds) Catalog() *host.Catalog {
	return host.NewCatalog(g.Types()...)
}

// Guild returns the state of one guild, creating it on first use.
func (g *Guilds) Guild(id string) *Guild {
	g.mu.Lock()
	defer g.mu.Unlock()
	guild, ok := g.guilds[id]
	if !ok {
		guild = &Guild{
			ID:       id,
			Name:     id,
			Queue:    NewAudioQueue(),
			Files:    NewFileStore(),
			Settings: NewSettings(),
		}
		g.guilds[id] = guild
	}
	return guild
}

// Declarations returns the bindings every guild contribution declares.
func (g *Guilds) Declarations() []bindings.Declaration {
	return []bindings.Declaration{
		{Name: GuildBinding, Type: GuildType},
		{Name: FilesBinding, Type: MemoryFileStoreType},
	}
}

// Contribution binds the capabilities of one guild.
func (g *Guilds) Contribution(guildID string) bindings.Contribution {
	return bindings.NewStatic(func(ctx context.Context) (starlark.StringDict, error) {
		if guildID == "" {
			return nil, fmt.Errorf("guild id is required")
		}
		guild := g.Guild(guildID)
		return starlark.StringDict{
			GuildBinding: host.NewObject(g.types.guild, guild),
			FilesBinding: host.NewObject(g.types.files, guild.Files),
		}, nil
	}, g.Declarations()...)
}

// DefaultRules is the whitelist used when no rules are configured: guild
// lookups are free, mutations carry per-execution ceilings.
func DefaultRules() []*whitelist.ClassRule {
	return []*whitelist.ClassRule{
		whitelist.NewClassRule(GuildType, 0),
		whitelist.NewClassRule(AudioQueueType, 0,
			whitelist.MethodRule{Name: "add", MaxInvocations: 25},
			whitelist.MethodRule{Name: "skip", MaxInvocations: 10},
			whitelist.MethodRule{Name: "clear", MaxInvocations: 1},
			whitelist.MethodRule{Name: "tracks"},
			whitelist.MethodRule{Name: "size"},
		),
		whitelist.NewClassRule(GuildSettingsType, 0,
			whitelist.MethodRule{Name: "get"},
			whitelist.MethodRule{Name: "keys"},
			whitelist.MethodRule{Name: "set", MaxInvocations: 5},
		),
		whitelist.NewClassRule(FileStoreType, 50,
			whitelist.MethodRule{Name: "read"},
			whitelist.MethodRule{Name: "exists"},
			whitelist.MethodRule{Name: "list"},
			whitelist.MethodRule{Name: "write", MaxInvocations: 10},
			whitelist.MethodRule{Name: "delete", MaxInvocations: 2},
		),
	}
}

// checkContext fails once the execution bound to thread is cancelled.
func checkContext(thread *starlark.Thread) error {
	return host.Context(thread).Err()
}
