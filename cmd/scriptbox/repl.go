package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/gateway/cli"
	"github.com/jkaninda/scriptbox/internal/hooks"
)

var (
	replGuild   string
	replTimeout time.Duration
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive script console bound to a guild",
	RunE:  repl,
}

func init() {
	replCmd.Flags().StringVar(&replGuild, "guild", "console", "guild whose capabilities entries run against")
	replCmd.Flags().DurationVar(&replTimeout, "timeout", 0, "per-entry timeout (default from sandbox.timeout_ms)")
}

func repl(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg, nil, logger)
	if err != nil {
		return err
	}
	// The console runs typed entries only, so the runner needs no store.
	runner, err := hooks.New(nil, eng.sup, eng.guilds, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return cli.NewGateway(eng.sup, runner, replGuild, os.Stdin, os.Stdout, logger).
		WithTimeout(replTimeout).
		Start(ctx)
}
