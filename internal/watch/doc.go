// Package watch reruns a function when watched files change.
//
// Directories are watched recursively, including directories created
// later. Single files are watched through their parent directory so that
// editors which replace files on save are still noticed. Bursts of events
// are debounced into one run, runs never overlap, and changes made while
// a run is in progress cause exactly one more run afterwards. Hidden files,
// editor swap files, and excluded directories never trigger a run.
//
// Example usage:
//
//	err := watch.Run(ctx, watch.Options{
//	    Paths:    []string{"Cargo.toml", "src"},
//	    Exclude:  []string{"target", "dist"},
//	    Debounce: 500 * time.Millisecond,
//	}, func(ctx context.Context) error {
//	    _, err := build.Run(ctx, opts)
//	    return err
//	})
package watch
