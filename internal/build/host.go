package build

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"path"
	goruntime "runtime"
	"slices"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/paths"
	"github.com/cruciblehq/libpack/internal/runtime"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// Runs the toolchain directly on the host, in temporary directories.
type HostExecutor struct {
	root  string            // Parent directory for workspaces.
	shell string            // Shell used to run commands.
	env   map[string]string // Toolchain environment, overlaid on the process environment.
}

// Creates a host executor whose workspaces are created below root.
func NewHostExecutor(root, shell string, env map[string]string) *HostExecutor {
	return &HostExecutor{
		root:  root,
		shell: shell,
		env:   maps.Clone(env),
	}
}

// Creates a fresh temporary directory.
func (h *HostExecutor) Open(ctx context.Context, id string) (Workspace, error) {
	if err := os.MkdirAll(h.root, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	dir, err := os.MkdirTemp(h.root, id+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	slog.Debug("workspace created", "id", id, "dir", dir)

	return &hostWorkspace{
		dir:   dir,
		shell: h.shell,
		env:   mergeEnviron(os.Environ(), h.env),
	}, nil
}

// The host toolchain has no image; it is identified by the host alone.
func (h *HostExecutor) Toolchain() string {
	return "host"
}

func (h *HostExecutor) Platform() string {
	return goruntime.GOOS + "/" + goruntime.GOARCH
}

// A workspace backed by a host directory.
type hostWorkspace struct {
	dir   string   // Workspace root.
	shell string   // Shell used to run commands.
	env   []string // Full process environment for commands.
}

func (w *hostWorkspace) Put(ctx context.Context, r io.Reader, dir string) error {
	dest, err := w.resolve(dir)
	if err != nil {
		return err
	}
	if err := extractTar(r, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}

func (w *hostWorkspace) Get(ctx context.Context, out io.Writer, p string) error {
	src, err := w.resolve(p)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(out)
	if err := writePathToTar(tw, src, path.Base(p), time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}

func (w *hostWorkspace) Remove(ctx context.Context, ps ...string) error {
	for _, p := range ps {
		target, err := w.resolve(p)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
	}
	return nil
}

// Runs the command with the workspace as working directory. The command
// and everything it spawns are killed when ctx is cancelled.
func (w *hostWorkspace) Exec(ctx context.Context, command string) (*runtime.ExecResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, w.shell, "-c", command)
	cmd.Dir = w.dir
	cmd.Env = w.env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureProcess(cmd)

	err := cmd.Run()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("%w: %w", ErrCommandFailed, err)
	}

	return &runtime.ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (w *hostWorkspace) Close(ctx context.Context) {
	if err := os.RemoveAll(w.dir); err != nil {
		slog.Warn("failed to remove workspace", "dir", w.dir, "error", err)
	}
}

// Resolves a workspace-relative path to a host path inside the workspace.
func (w *hostWorkspace) resolve(p string) (string, error) {
	if path.IsAbs(p) {
		return "", fmt.Errorf("%w: workspace path %q must be relative", ErrFileSystemOperation, p)
	}
	resolved, err := securejoin.SecureJoin(w.dir, p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return resolved, nil
}

// Overlays variables on a "key=value" environment. The result is sorted so
// command environments are reproducible.
func mergeEnviron(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	maps.Copy(merged, overrides)

	env := make([]string, 0, len(merged))
	for _, k := range slices.Sorted(maps.Keys(merged)) {
		env = append(env, k+"="+merged[k])
	}
	return env
}
