// Scriptbox runs untrusted Starlark scripts against whitelisted host objects.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scriptbox",
	Short: "Scriptbox: sandboxed script execution for guild automation.",
	Long: `Scriptbox compiles user scripts into an instrumented form that counts every
loop iteration, function call and whitelisted host invocation, then runs them
with per-method ceilings, a global step limit and a wall-clock timeout.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.scriptbox/config.yaml)")
	rootCmd.AddCommand(runCmd, checkCmd, replCmd, serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
