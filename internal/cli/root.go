package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/libpack/internal"
	"github.com/cruciblehq/libpack/internal/paths"
	"github.com/cruciblehq/libpack/internal/recipe"
)

// Represents the root command for libpack.
var RootCmd struct {
	Quiet             bool   `short:"q" help:"Suppress informational output."`
	Verbose           bool   `short:"v" help:"Enable verbose output."`
	Debug             bool   `short:"d" help:"Enable debug output."`
	File              string `short:"f" help:"Recipe file. A missing file selects the defaults." default:"${recipe}" type:"path" placeholder:"PATH"`
	CacheDir          string `help:"Dependency cache directory." default:"${cache}" type:"path" placeholder:"DIR"`
	Backend           string `help:"Execution backend (${enum})." enum:"host,containerd" default:"host"`
	ContainerdAddress string `help:"Containerd socket address." default:"/run/containerd/containerd.sock" placeholder:"PATH"`
	Namespace         string `help:"Containerd namespace." default:"${name}"`
	MetricsFile       string `help:"Write Prometheus metrics to this file after each build." type:"path" placeholder:"PATH"`

	Build   BuildCmd   `cmd:"" help:"Build the library and package the runtime image."`
	Watch   WatchCmd   `cmd:"" help:"Rebuild whenever the manifest or source tree changes."`
	Idle    IdleCmd    `cmd:"" help:"Block until terminated. Used as the runtime placeholder."`
	Inspect InspectCmd `cmd:"" help:"List the files the runtime image adds."`
	Cache   CacheCmd   `cmd:"" help:"Manage the dependency cache."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds a library in two cached stages and packages its shared object and static archive into a slim runtime image."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"recipe":  recipe.DefaultFilename,
			"cache":   paths.Cache(),
			"name":    internal.Name,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	slog.SetDefault(slog.New(NewHandler(os.Stderr, internal.LogLevel(), internal.IsVerbose())))
}
