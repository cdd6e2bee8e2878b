// Package cache stores the output of the dependency stage as
// content-addressed layers.
//
// A layer is a tar archive of the toolchain's output directory after the
// dependencies were compiled against the placeholder unit. Layers are keyed
// by a digest of every input that influences that compilation: the
// manifest, the lockfile, the placeholder, the build command, the toolchain
// image, and its environment. Changing any of them yields a different key,
// so a stale layer is never reused; changing only the real source tree
// leaves the key untouched, so the expensive dependency build is skipped.
//
// Layer files live below <root>/layers/<algorithm>/<hex>/layer.tar and are
// written atomically. An SQLite index records when each layer was created
// and last used, which library it belongs to, and how often it was hit.
// The index is advisory: a row whose file is missing is treated as a miss
// and dropped.
//
// Example usage:
//
//	c, err := cache.Open(paths.Cache())
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	key := cache.Inputs{Manifest: b, Command: "cargo build --release"}.Key()
//	layer, err := c.Lookup(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//	    layer, err = c.Commit(ctx, key, cache.Metadata{Library: "visioncortex"}, tarStream)
//	}
package cache
