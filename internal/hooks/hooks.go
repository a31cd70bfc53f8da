// Package hooks runs a guild's stored scripts: single scripts on demand and
// the active interceptor or finalizer chain around a guild command.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/capability"
	"github.com/jkaninda/scriptbox/internal/storage"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

// ErrEmptyChain is returned when a guild has no active script of the requested usage.
var ErrEmptyChain = errors.New("no active scripts for usage")

// Runner executes stored scripts with the capabilities of their guild bound.
type Runner struct {
	scripts  storage.ScriptStore
	sup      *supervisor.Supervisor
	guilds   *capability.Guilds
	bindings *bindings.Manager
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Runner. base holds bindings shared by every guild and may be nil.
func New(scripts storage.ScriptStore, sup *supervisor.Supervisor, guilds *capability.Guilds, base *bindings.Manager, logger *slog.Logger) (*Runner, error) {
	if base == nil {
		var err error
		if base, err = bindings.NewManager(); err != nil {
			return nil, err
		}
	}
	return &Runner{scripts: scripts, sup: sup, guilds: guilds, bindings: base, logger: logger}, nil
}

// WithTimeout overrides the configured chain timeout.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	r.timeout = d
	return r
}

// Provider returns a fresh binding provider for one execution in guildID.
func (r *Runner) Provider(guildID string) (*bindings.Provider, error) {
	return r.bindings.NewProvider(r.guilds.Contribution(guildID))
}

// Declarations lists the bindings a guild script may reference, for
// compiling a script without running it.
func (r *Runner) Declarations() []bindings.Declaration {
	return append(r.bindings.Declarations(), r.guilds.Declarations()...)
}

// RunChain runs the active scripts of usage for guildID in stored order.
// The chain stops at the first script that does not succeed.
func (r *Runner) RunChain(ctx context.Context, guildID string, usage storage.Usage) (*supervisor.ExecutionResult, error) {
	scripts, err := r.scripts.List(ctx, storage.Filter{GuildID: guildID, Usage: usage, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("loading %s chain for guild %s: %w", usage, guildID, err)
	}
	if len(scripts) == 0 {
		return nil, fmt.Errorf("%w %s", ErrEmptyChain, usage)
	}
	return r.Run(ctx, guildID, scripts...)
}

// RunStored runs one stored script of guildID by identifier, active or not.
func (r *Runner) RunStored(ctx context.Context, guildID, identifier string) (*supervisor.ExecutionResult, error) {
	sc, err := r.scripts.GetByIdentifier(ctx, guildID, identifier)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, guildID, *sc)
}

// Run executes scripts as one chain in guildID. Stored scripts never run privileged.
func (r *Runner) Run(ctx context.Context, guildID string, scripts ...storage.Script) (*supervisor.ExecutionResult, error) {
	provider, err := r.Provider(guildID)
	if err != nil {
		return nil, fmt.Errorf("binding guild %s: %w", guildID, err)
	}
	sources := make([]supervisor.Source, len(scripts))
	for i, sc := range scripts {
		sources[i] = supervisor.Source{Name: sc.Identifier, Text: sc.Source}
	}

	res := r.sup.Execute(ctx, sources, provider, r.timeout)
	if !res.Succeeded() {
		r.logger.InfoContext(ctx, "stored chain stopped",
			slog.String("guild_id", guildID),
			slog.String("status", string(res.Status)),
			slog.Int("offending", res.Offending),
		)
	}
	return res, nil
}
