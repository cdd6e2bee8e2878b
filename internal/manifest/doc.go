// Package manifest reads the dependency manifest of the library being
// packaged.
//
// The manifest is a Cargo.toml file. libpack only needs a small part of it:
// the package and library names, which determine the artifact filenames,
// the crate types, which must produce both a shared object and a static
// archive, and the dependency table, which is reported when the dependency
// cache is populated. The raw bytes are retained so the cache key reflects
// every byte of the file, not just the fields decoded here.
//
// Example usage:
//
//	m, err := manifest.Load("Cargo.toml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(m.LibName(), m.Digest())
package manifest
