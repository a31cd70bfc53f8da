package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the bundled Starlark interpreter",
	Run: func(_ *cobra.Command, _ []string) {
		v, c, d, starlark := buildDetails()
		fmt.Printf("scriptbox %s (commit: %s, built: %s)\n", v, c, d)
		fmt.Printf("starlark %s, %s %s/%s\n", starlark, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

// buildDetails fills in what ldflags left unset from the module build info.
func buildDetails() (v, c, d, starlark string) {
	v, c, d, starlark = version, commit, date, "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v, orUnknown(c), orUnknown(d), starlark
	}
	if v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v = info.Main.Version
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && c == "":
			c = s.Value
		case s.Key == "vcs.time" && d == "":
			d = s.Value
		}
	}
	for _, dep := range info.Deps {
		if dep.Path == "go.starlark.net" {
			starlark = dep.Version
		}
	}
	return v, orUnknown(c), orUnknown(d), starlark
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
