// Package recipe loads the build recipe that drives the pipeline.
//
// A recipe is a YAML file (libpack.yaml by convention) naming the
// dependency manifest, the source tree, the placeholder compilation unit,
// the toolchain command, the artifacts to collect, and the runtime image
// they are placed into. Every field has a default matching the common
// layout of a library crate, so an empty or missing recipe is valid.
//
// Relative host paths are resolved against the directory containing the
// recipe. Artifact paths are relative to the build workspace and may use
// the {name} placeholder, which expands to the library name taken from the
// manifest.
//
// Example usage:
//
//	r, err := recipe.Load("libpack.yaml")
//	if err != nil {
//	    return err
//	}
//	shared, static := r.ArtifactPaths("visioncortex")
package recipe
