package cli

import (
	"context"
	"fmt"
	"log/slog"
)

// Represents the 'libpack build' command.
type BuildCmd struct {
	NoCache bool   `help:"Rebuild the dependency layer even when it is cached."`
	Output  string `short:"o" help:"Directory receiving image.tar. Overrides the recipe." type:"path" placeholder:"DIR"`
}

// Executes the build command.
//
// Runs the dependency, source, and packaging stages once and prints the
// path of the written image.
func (c *BuildCmd) Run(ctx context.Context) error {
	p, err := loadProject(c.Output)
	if err != nil {
		return err
	}

	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	res, err := runBuild(ctx, p, cache, c.NoCache)
	if err != nil {
		return err
	}

	slog.Debug("artifacts packaged", "paths", res.Artifacts, "key", res.CacheKey)
	fmt.Println(res.Image)
	return nil
}
