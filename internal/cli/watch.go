package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cruciblehq/libpack/internal/watch"
)

// Represents the 'libpack watch' command.
type WatchCmd struct {
	Debounce time.Duration `help:"Quiet period before a rebuild starts." default:"500ms"`
	Output   string        `short:"o" help:"Directory receiving image.tar. Overrides the recipe." type:"path" placeholder:"DIR"`
}

// Executes the watch command.
//
// Builds once, then rebuilds whenever the manifest, lockfile, recipe, or
// source tree changes, until interrupted. The recipe and manifest are
// reloaded before every build, so a manifest edit invalidates the cached
// dependency layer while a source edit reuses it.
func (c *WatchCmd) Run(ctx context.Context) error {
	p, err := loadProject(c.Output)
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	r := p.recipe
	watched := []string{r.Path(r.Manifest), r.Path(r.Source)}
	for _, optional := range []string{r.Path(r.Lockfile), RootCmd.File, r.Path(r.Toolchain.EnvFile)} {
		if optional == "" {
			continue
		}
		if _, err := os.Stat(optional); err == nil {
			watched = append(watched, optional)
		}
	}

	slog.Info("watching for changes", "paths", watched)

	return watch.Run(ctx, watch.Options{
		Paths:    watched,
		Exclude:  []string{r.Path(r.Target), r.Path(r.Output)},
		Debounce: c.Debounce,
	}, func(ctx context.Context) error {
		p, err := loadProject(c.Output)
		if err != nil {
			return err
		}
		res, err := runBuild(ctx, p, cache, false)
		if err != nil {
			return err
		}
		slog.Info("image ready", "path", res.Image, "cache_hit", res.CacheHit)
		return nil
	})
}
