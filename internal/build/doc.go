// Package build runs the library build-and-package pipeline.
//
// The pipeline has three stages that run strictly in order, each in its
// own isolated workspace:
//
//   - The dependency stage places the manifest next to a placeholder
//     compilation unit and runs the release build, so that every external
//     dependency is compiled without the real source. The toolchain's
//     output directory is stored as a cache layer keyed by the manifest and
//     the rest of the toolchain inputs. When the key is already cached the
//     stage does nothing.
//   - The source stage starts from a fresh workspace, restores the cache
//     layer, removes the placeholder and any artifacts the placeholder
//     build left behind, adds the real source tree with fresh modification
//     times, and runs the release build again. Both artifacts, the shared
//     library and the static archive, are then copied out; if either is
//     missing the stage fails.
//   - The packaging stage places the two artifacts into a new runtime image
//     whose command is the runtime placeholder.
//
// Workspaces come from an [Executor]. The host executor runs the toolchain
// in temporary directories; the container executor runs it in containerd
// build containers started from a toolchain image. Packaging is delegated
// to a [Packager] matching the executor. Any failure aborts the pipeline;
// nothing is retried and no partial image is written.
//
// Example usage:
//
//	result, err := build.Run(ctx, build.Options{
//	    Recipe:   r,
//	    Manifest: m,
//	    Cache:    c,
//	    Executor: build.NewHostExecutor(paths.Scratch(), r.Toolchain.Shell, env),
//	    Env:      env,
//	    Packager: build.NewImagePackager(r.Path(r.Runtime.Base), "", false),
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Image)
package build
