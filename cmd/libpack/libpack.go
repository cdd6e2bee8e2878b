package main

import (
	"log/slog"
	"os"

	"github.com/cruciblehq/libpack/internal"
	"github.com/cruciblehq/libpack/internal/cli"
)

// The entry point for libpack.
//
// Initializes logging, displays startup information, and executes the root
// command. If any error occurs during execution, it exits with a non-zero code.
func main() {
	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("libpack is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a logger seeded from build-time linker flags.
//
// The logger is replaced after flag parsing via cli.Execute.
func logger() *slog.Logger {
	return slog.New(cli.NewHandler(os.Stderr, internal.LogLevel(), internal.IsVerbose()))
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
