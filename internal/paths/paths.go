package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "libpack"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Root of the dependency cache.
//
//	Linux:   $XDG_CACHE_HOME/libpack or ~/.cache/libpack
//	macOS:   ~/Library/Caches/libpack
func Cache() string {
	return filepath.Join(xdg.CacheHome, programName)
}

// Directory holding content-addressed cache layers, below the given cache
// root.
func Layers(cacheRoot string) string {
	return filepath.Join(cacheRoot, "layers")
}

// Path to the SQLite index describing the layers below the given cache root.
func Index(cacheRoot string) string {
	return filepath.Join(cacheRoot, "index.db")
}

// Directory for scratch workspaces used by the host backend.
//
//	Linux:   $XDG_RUNTIME_DIR/libpack, falling back to the cache directory
//	macOS:   ~/Library/Caches/libpack/run
func Scratch() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, programName)
	}
	return filepath.Join(xdg.CacheHome, programName, "run")
}
