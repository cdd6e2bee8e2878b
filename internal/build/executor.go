package build

import (
	"context"
	"io"

	"github.com/cruciblehq/libpack/internal/runtime"
)

// Creates isolated workspaces for pipeline stages.
type Executor interface {

	// Creates a fresh, empty workspace. id names the workspace for logs and
	// container IDs.
	Open(ctx context.Context, id string) (Workspace, error)

	// Identifies the toolchain environment (e.g. the toolchain image) for
	// cache keying.
	Toolchain() string

	// Returns the target platform, e.g. "linux/amd64".
	Platform() string
}

// An isolated filesystem where the toolchain runs.
//
// All paths are relative to the workspace root and use forward slashes.
type Workspace interface {

	// Extracts a tar stream into dir.
	Put(ctx context.Context, r io.Reader, dir string) error

	// Writes the file or directory at path to w as a tar stream whose
	// entries are rooted at the path's base name.
	Get(ctx context.Context, w io.Writer, path string) error

	// Removes files or directories. Missing paths are ignored.
	Remove(ctx context.Context, paths ...string) error

	// Runs a shell command at the workspace root. A non-zero exit code is
	// reported in the result, not as an error.
	Exec(ctx context.Context, command string) (*runtime.ExecResult, error)

	// Destroys the workspace and everything in it.
	Close(ctx context.Context)
}
