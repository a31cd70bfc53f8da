// Package cli implements an interactive script console.
//
// Each entry is run as its own execution against the capabilities of the
// current guild, so guild state (queue, settings, files) carries over between
// entries while counters and the step budget start fresh.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/gateway"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

// Binder returns the bindings of one execution in a guild.
type Binder interface {
	Provider(guildID string) (*bindings.Provider, error)
}

// Gateway is the interactive console.
type Gateway struct {
	sup     *supervisor.Supervisor
	binder  Binder
	guildID string
	timeout time.Duration
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
	done    chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a console reading entries from in and writing results to out.
func NewGateway(sup *supervisor.Supervisor, binder Binder, guildID string, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		sup:     sup,
		binder:  binder,
		guildID: guildID,
		in:      in,
		out:     out,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// WithTimeout overrides the configured timeout of each entry.
func (g *Gateway) WithTimeout(d time.Duration) *Gateway {
	g.timeout = d
	return g
}

// Start runs the console. Blocks until ctx is cancelled, Stop is called,
// input ends, or the user types "exit".
//
// An entry is one line, or when a line ends with ":" a block continued
// until the next empty line. ":guild ID" switches the bound guild.
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)

	fmt.Fprintln(g.out, "Scriptbox console. Type a script (or \"exit\" to quit).")
	fmt.Fprintln(g.out)

	for {
		fmt.Fprintf(g.out, "%s> ", g.prompt())

		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}
		line := strings.TrimRight(scanner.Text(), " \t")
		switch trimmed := strings.TrimSpace(line); {
		case trimmed == "":
			continue
		case trimmed == "exit" || trimmed == "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case strings.HasPrefix(trimmed, ":guild"):
			g.guildID = strings.TrimSpace(strings.TrimPrefix(trimmed, ":guild"))
			continue
		}

		entry := line
		if strings.HasSuffix(line, ":") {
			entry = g.readBlock(scanner, line)
		}
		g.run(ctx, entry)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// readBlock collects continuation lines of a block up to the next empty line.
func (g *Gateway) readBlock(scanner *bufio.Scanner, first string) string {
	var b strings.Builder
	b.WriteString(first)
	for {
		fmt.Fprint(g.out, "... ")
		if !scanner.Scan() || strings.TrimSpace(scanner.Text()) == "" {
			break
		}
		b.WriteString("\n")
		b.WriteString(scanner.Text())
	}
	b.WriteString("\n")
	return b.String()
}

func (g *Gateway) run(ctx context.Context, text string) {
	var provider *bindings.Provider
	if g.guildID != "" && g.binder != nil {
		var err error
		if provider, err = g.binder.Provider(g.guildID); err != nil {
			fmt.Fprintf(g.out, "Error: %v\n", err)
			return
		}
	}

	res := g.sup.Execute(ctx, []supervisor.Source{{Name: "console", Text: text}}, provider, g.timeout)
	g.logger.DebugContext(ctx, "console entry",
		slog.String("execution_id", res.ID),
		slog.String("status", string(res.Status)),
		slog.Int64("steps", res.Steps),
	)
	if msg := res.UserMessage(); msg != "" {
		fmt.Fprintln(g.out, strings.TrimRight(msg, "\n"))
	}
}

func (g *Gateway) prompt() string {
	if g.guildID == "" {
		return "scriptbox"
	}
	return g.guildID
}

// Stop signals the console to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

var _ gateway.Gateway = (*Gateway)(nil)
