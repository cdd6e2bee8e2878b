package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/libpack/internal"
	"github.com/cruciblehq/libpack/internal/build"
	"github.com/cruciblehq/libpack/internal/cache"
	"github.com/cruciblehq/libpack/internal/manifest"
	"github.com/cruciblehq/libpack/internal/metrics"
	"github.com/cruciblehq/libpack/internal/paths"
	"github.com/cruciblehq/libpack/internal/recipe"
	"github.com/cruciblehq/libpack/internal/runtime"
	"github.com/cruciblehq/libpack/internal/vcs"
)

// The recipe and manifest a build runs against.
type project struct {
	recipe   *recipe.Recipe
	manifest *manifest.Manifest
	env      map[string]string
}

// Loads the recipe named by --file, its manifest, and its environment.
func loadProject(output string) (*project, error) {
	r, err := recipe.LoadOrDefault(RootCmd.File)
	if err != nil {
		return nil, err
	}
	if output != "" {
		r.Output = output
	}

	m, err := manifest.Load(r.Path(r.Manifest))
	if err != nil {
		return nil, err
	}

	env, err := r.Environ()
	if err != nil {
		return nil, err
	}

	return &project{recipe: r, manifest: m, env: env}, nil
}

// Executor and packager for the selected backend.
type backend struct {
	executor build.Executor
	packager build.Packager
	close    func()
}

// Opens the backend selected by --backend.
func openBackend(p *project) (*backend, error) {
	r := p.recipe
	if r.Runtime.Base == "" {
		return nil, fmt.Errorf("%w: runtime.base is required to provide the image command %q", recipe.ErrInvalidRecipe, strings.Join(r.Runtime.Command, " "))
	}

	switch RootCmd.Backend {
	case "containerd":
		if r.Toolchain.Image == "" {
			return nil, fmt.Errorf("%w: the containerd backend requires toolchain.image", recipe.ErrInvalidRecipe)
		}

		rt, err := runtime.New(RootCmd.ContainerdAddress, RootCmd.Namespace)
		if err != nil {
			return nil, err
		}

		return &backend{
			executor: build.NewContainerExecutor(rt, r.Path(r.Toolchain.Image), r.Toolchain.Platform, r.Toolchain.Shell, r.Toolchain.Workdir, p.env),
			packager: build.NewContainerPackager(rt, r.Path(r.Runtime.Base), r.Toolchain.Platform),
			close: func() {
				if err := rt.Close(); err != nil {
					slog.Warn("failed to close containerd client", "error", err)
				}
			},
		}, nil

	default:
		return &backend{
			executor: build.NewHostExecutor(paths.Scratch(), r.Toolchain.Shell, p.env),
			packager: build.NewImagePackager(r.Path(r.Runtime.Base), r.Toolchain.Platform, isTerminal(os.Stderr) && !internal.IsQuiet()),
			close:    func() {},
		}, nil
	}
}

// Runs the pipeline once for the project.
func runBuild(ctx context.Context, p *project, c *cache.Cache, noCache bool) (*build.Result, error) {
	b, err := openBackend(p)
	if err != nil {
		return nil, err
	}
	defer b.close()

	var rec *metrics.Recorder
	if RootCmd.MetricsFile != "" {
		rec = metrics.NewRecorder(nil)
	}

	opts := build.Options{
		Recipe:   p.recipe,
		Manifest: p.manifest,
		Cache:    c,
		Executor: b.executor,
		Packager: b.packager,
		Env:      p.env,
		Scratch:  paths.Scratch(),
		Revision: revision(p.recipe.Dir),
		NoCache:  noCache,
	}
	if rec != nil {
		opts.Recorder = rec
	}

	res, err := build.Run(ctx, opts)

	if rec != nil {
		if werr := writeMetrics(rec, RootCmd.MetricsFile); werr != nil {
			slog.Warn("failed to write metrics", "path", RootCmd.MetricsFile, "error", werr)
		}
	}

	return res, err
}

// Returns the source revision of dir, or "" when unknown.
func revision(dir string) string {
	rev, err := vcs.Revision(dir)
	if err != nil {
		slog.Debug("source revision unavailable", "dir", dir, "error", err)
		return ""
	}
	return rev.String()
}

func writeMetrics(rec *metrics.Recorder, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return rec.WriteTextfile(path)
}

// Opens the dependency cache named by --cache-dir.
func openCache() (*cache.Cache, error) {
	return cache.Open(RootCmd.CacheDir)
}
