package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/runtime"
)

// Runs the toolchain inside containerd build containers.
type ContainerExecutor struct {
	rt       *runtime.Runtime // Containerd runtime.
	image    string           // OCI archive of the toolchain image.
	platform string           // Target platform.
	shell    string           // Shell used to run commands.
	workdir  string           // Workspace root inside the container.
	env      []string         // Toolchain environment as "key=value" pairs.
}

// Creates an executor that starts build containers from the toolchain
// image archive. An empty platform selects the host platform.
func NewContainerExecutor(rt *runtime.Runtime, image, platform, shell, workdir string, env map[string]string) *ContainerExecutor {
	if platform == "" {
		platform = runtime.DefaultPlatform()
	}
	return &ContainerExecutor{
		rt:       rt,
		image:    image,
		platform: platform,
		shell:    shell,
		workdir:  workdir,
		env:      mergeEnviron(nil, env),
	}
}

// Starts a build container and creates the workspace root inside it.
func (e *ContainerExecutor) Open(ctx context.Context, id string) (Workspace, error) {
	ctr, err := e.rt.StartContainer(ctx, e.image, id, e.platform)
	if err != nil {
		return nil, err
	}

	if err := ctr.MkdirAll(ctx, e.workdir); err != nil {
		ctr.Destroy(ctx)
		return nil, err
	}
	slog.Debug("build container started", "container", ctr.ID(), "image", e.image)

	return &containerWorkspace{
		ctr:     ctr,
		shell:   e.shell,
		workdir: e.workdir,
		env:     e.env,
	}, nil
}

// Identifies the toolchain image by path, size, and modification time, so
// replacing the archive invalidates cached layers without hashing it on
// every build.
func (e *ContainerExecutor) Toolchain() string {
	info, err := os.Stat(e.image)
	if err != nil {
		return e.image
	}
	return fmt.Sprintf("%s@%d:%d", e.image, info.Size(), info.ModTime().UnixNano())
}

func (e *ContainerExecutor) Platform() string {
	return e.platform
}

// A workspace inside a build container.
type containerWorkspace struct {
	ctr     *runtime.Container
	shell   string
	workdir string
	env     []string
}

func (w *containerWorkspace) Put(ctx context.Context, r io.Reader, dir string) error {
	dest := path.Join(w.workdir, dir)
	if err := w.ctr.MkdirAll(ctx, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	if err := w.ctr.CopyTo(ctx, r, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}

func (w *containerWorkspace) Get(ctx context.Context, out io.Writer, p string) error {
	if err := w.ctr.CopyFrom(ctx, out, path.Join(w.workdir, p)); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}

func (w *containerWorkspace) Remove(ctx context.Context, ps ...string) error {
	full := make([]string, len(ps))
	for i, p := range ps {
		full[i] = path.Join(w.workdir, p)
	}
	if err := w.ctr.RemoveAll(ctx, full...); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return nil
}

func (w *containerWorkspace) Exec(ctx context.Context, command string) (*runtime.ExecResult, error) {
	return w.ctr.Exec(ctx, w.shell, command, w.env, w.workdir)
}

func (w *containerWorkspace) Close(ctx context.Context) {
	w.ctr.Destroy(ctx)
}

// Packages artifacts by committing them on top of a base image container.
type ContainerPackager struct {
	rt       *runtime.Runtime // Containerd runtime.
	base     string           // OCI archive of the runtime base image.
	platform string           // Target platform.
}

// Creates a packager that starts from the given base image archive. An
// empty platform selects the host platform.
func NewContainerPackager(rt *runtime.Runtime, base, platform string) *ContainerPackager {
	if platform == "" {
		platform = runtime.DefaultPlatform()
	}
	return &ContainerPackager{rt: rt, base: base, platform: platform}
}

// Starts a container from the base image, copies the artifacts into the
// library directory, and exports the container as the runtime image. The
// container is destroyed afterwards; only the artifacts differ from the
// base image.
func (p *ContainerPackager) Package(ctx context.Context, req PackageRequest) (string, error) {
	if p.base == "" {
		return "", fmt.Errorf("%w: set runtime.base to an image providing %q", ErrMissingBase, strings.Join(req.Command, " "))
	}

	ctr, err := p.rt.StartContainer(ctx, p.base, req.ID, p.platform)
	if err != nil {
		return "", err
	}
	defer ctr.Destroy(ctx)
	slog.Debug("packaging container started", "container", ctr.ID(), "base", p.base)

	if err := ctr.MkdirAll(ctx, req.LibDir); err != nil {
		return "", err
	}

	for _, src := range req.Artifacts.Paths() {
		if err := copyHostFile(ctx, ctr, src, req.LibDir); err != nil {
			return "", err
		}
	}

	if err := ctr.Stop(ctx); err != nil {
		return "", err
	}

	return ctr.Export(ctx, req.Output, runtime.ImageConfig{
		Cmd:    req.Command,
		Labels: req.Labels,
	})
}

// Streams a single host file into destDir inside the container.
func copyHostFile(ctx context.Context, ctr *runtime.Container, src, destDir string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMissingArtifact, err)
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		writeErr := writeFileToTar(tw, src, info, filepath.Base(src), time.Time{})
		if closeErr := tw.Close(); writeErr == nil {
			writeErr = closeErr
		}
		pw.CloseWithError(writeErr)
	}()

	if err := ctr.CopyTo(ctx, pr, destDir); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return nil
}
