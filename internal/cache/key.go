package cache

import (
	_ "crypto/sha256"
	"encoding/binary"
	"hash"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// Version of the key derivation. Bump when the layer format or the set of
// inputs changes so existing layers stop matching.
const keySchema = "libpack-deps/v1"

// Everything that influences the dependency stage output.
type Inputs struct {
	Manifest        []byte            // Raw dependency manifest.
	Lockfile        []byte            // Raw lockfile, nil when absent.
	PlaceholderPath string            // Workspace-relative path of the placeholder unit.
	Placeholder     []byte            // Placeholder content.
	Command         string            // Build command.
	Image           string            // Toolchain image reference, empty for the host backend.
	Platform        string            // Target platform.
	Env             map[string]string // Toolchain environment.
	Target          string            // Cached output directory.
}

// Derives the content-addressed cache key.
//
// Fields are written length-prefixed in a fixed order, and env entries are
// sorted, so the key does not depend on map iteration order and no two
// distinct inputs can produce the same byte stream.
func (in Inputs) Key() digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()

	writeField(h, []byte(keySchema))
	writeField(h, in.Manifest)
	writeField(h, in.Lockfile)
	writeField(h, []byte(in.PlaceholderPath))
	writeField(h, in.Placeholder)
	writeField(h, []byte(in.Command))
	writeField(h, []byte(in.Image))
	writeField(h, []byte(in.Platform))
	writeField(h, []byte(in.Target))

	keys := slices.Sorted(maps.Keys(in.Env))
	for _, k := range keys {
		writeField(h, []byte(k))
		writeField(h, []byte(in.Env[k]))
	}

	return d.Digest()
}

// Writes a length-prefixed field to the hash.
func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
