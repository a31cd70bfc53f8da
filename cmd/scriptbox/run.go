package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/bindings"
	"github.com/jkaninda/scriptbox/internal/instrument"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

var (
	runGuild      string
	runPrivileged bool
	runTimeout    time.Duration
	runJSON       bool
	checkJSON     bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Run one script, or several files as an ordered chain",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScripts,
}

var checkCmd = &cobra.Command{
	Use:   "check FILE...",
	Short: "Compile scripts and report their instrumentation without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  checkScripts,
}

// errNotSucceeded makes the process exit non-zero once the result is printed.
var errNotSucceeded = errors.New("script did not succeed")

func init() {
	runCmd.Flags().StringVar(&runGuild, "guild", "", "bind the capabilities of this guild (guild, fs)")
	runCmd.Flags().BoolVar(&runPrivileged, "privileged", false, "run without instrumentation or ceilings")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "chain timeout (default from sandbox.timeout_ms)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "print the instrumentation reports as JSON")
}

func readSources(paths []string, privileged bool) ([]supervisor.Source, error) {
	sources := make([]supervisor.Source, len(paths))
	for i, p := range paths {
		text, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		sources[i] = supervisor.Source{Name: filepath.Base(p), Text: string(text), Privileged: privileged}
	}
	return sources, nil
}

func runScripts(_ *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}
	sources, err := readSources(args, runPrivileged)
	if err != nil {
		return err
	}

	var provider *bindings.Provider
	if runGuild != "" {
		m, err := bindings.NewManager(eng.guilds.Contribution(runGuild))
		if err != nil {
			return err
		}
		if provider, err = m.NewProvider(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := eng.sup.Execute(ctx, sources, provider, runTimeout)
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if msg := res.UserMessage(); msg != "" {
		fmt.Println(msg)
	}
	if !res.Succeeded() {
		return fmt.Errorf("%w: %s", errNotSucceeded, res.Status)
	}
	return nil
}

// checkResult is one file's outcome in `scriptbox check --json`.
type checkResult struct {
	Name       string             `json:"name"`
	Valid      bool               `json:"valid"`
	Diagnostic string             `json:"diagnostic,omitempty"`
	Report     *instrument.Report `json:"report,omitempty"`
}

func checkScripts(_ *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}
	sources, err := readSources(args, false)
	if err != nil {
		return err
	}

	failed := 0
	results := make([]checkResult, 0, len(sources))
	for _, src := range sources {
		cs, err := eng.sup.Compile(context.Background(), src, eng.guilds.Declarations())
		var cerr *supervisor.CompilationError
		switch {
		case errors.As(err, &cerr):
			failed++
			results = append(results, checkResult{Name: src.Name, Diagnostic: cerr.Diagnostic})
		case err != nil:
			return err
		default:
			results = append(results, checkResult{Name: src.Name, Valid: true, Report: cs.Report})
		}
	}

	if checkJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if !r.Valid {
				fmt.Printf("%s: FAIL\n%s\n", r.Name, r.Diagnostic)
				continue
			}
			fmt.Printf("%s: ok (%d counted, %d dynamic, %d method refs, %d step checks)\n", r.Name,
				r.Report.Count(instrument.RewriteCounted),
				r.Report.Count(instrument.RewriteDynamic),
				r.Report.Count(instrument.RewriteMethodRef),
				r.Report.StepChecks,
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scripts failed to compile", failed, len(sources))
	}
	return nil
}
