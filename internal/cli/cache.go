package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Represents the 'libpack cache' command group.
type CacheCmd struct {
	Ls    CacheLsCmd    `cmd:"" help:"List dependency cache layers."`
	Prune CachePruneCmd `cmd:"" help:"Remove layers not used recently."`
}

// Represents the 'libpack cache ls' command.
type CacheLsCmd struct{}

// Executes the cache ls command.
func (c *CacheLsCmd) Run(ctx context.Context) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	layers, err := cache.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tLIBRARY\tSIZE\tHITS\tLAST USED")
	for _, l := range layers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			l.Key.Encoded()[:12],
			l.Library,
			humanSize(l.Size),
			l.Hits,
			l.LastUsed.Local().Format(time.DateTime),
		)
	}
	return tw.Flush()
}

// Represents the 'libpack cache prune' command.
type CachePruneCmd struct {
	OlderThan time.Duration `help:"Remove layers unused for longer than this." default:"720h"`
}

// Executes the cache prune command.
func (c *CachePruneCmd) Run(ctx context.Context) error {
	cache, err := openCache()
	if err != nil {
		return err
	}
	defer cache.Close()

	removed, err := cache.Prune(ctx, c.OlderThan)
	if err != nil {
		return err
	}

	var freed int64
	for _, l := range removed {
		freed += l.Size
	}
	fmt.Printf("removed %d layers, freed %s\n", len(removed), humanSize(freed))
	return nil
}

// Formats a byte count with a binary unit.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
