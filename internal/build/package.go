package build

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/image"
	"github.com/cruciblehq/libpack/internal/paths"
	"github.com/cruciblehq/libpack/internal/runtime"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Host paths of the two collected artifacts.
type Artifacts struct {
	Shared string // Shared library object.
	Static string // Static archive.
}

// Returns the artifact paths in packaging order.
func (a Artifacts) Paths() []string {
	return []string{a.Shared, a.Static}
}

// Describes the runtime image to produce.
type PackageRequest struct {
	ID        string            // Identifier for containers created while packaging.
	Name      string            // Image reference, e.g. "libfoo:0.1.0".
	Artifacts Artifacts         // Files to place in LibDir.
	LibDir    string            // Absolute directory inside the image.
	Command   []string          // Image command.
	Labels    map[string]string // Image labels.
	Created   time.Time         // Image creation time.
	Output    string            // Directory receiving the image archive. Exists when the packager runs.
}

// Produces runtime images.
type Packager interface {

	// Writes an image containing exactly the requested artifacts on top of
	// the packager's base, and returns the archive path.
	Package(ctx context.Context, req PackageRequest) (string, error)
}

// Packages artifacts by writing the OCI archive directly, without a
// container engine.
type ImagePackager struct {
	base     string // OCI archive of the runtime base image.
	platform string // Image platform. Empty uses the base's or the host's.
	progress bool   // Render copy progress.
}

// Creates a packager writing images on top of base. The base must provide
// the image command.
func NewImagePackager(base, platform string, progress bool) *ImagePackager {
	return &ImagePackager{base: base, platform: platform, progress: progress}
}

func (p *ImagePackager) Package(ctx context.Context, req PackageRequest) (string, error) {
	if p.base == "" {
		return "", fmt.Errorf("%w: set runtime.base to an image providing %q", ErrMissingBase, strings.Join(req.Command, " "))
	}

	files := make([]image.File, 0, 2)
	for _, src := range req.Artifacts.Paths() {
		files = append(files, image.File{
			Source: src,
			Path:   path.Join(req.LibDir, filepath.Base(src)),
		})
	}

	output := filepath.Join(req.Output, runtime.ExportFilename)
	_, err := image.Write(ctx, image.Options{
		Base:     p.base,
		Platform: p.platform,
		Name:     req.Name,
		Files:    files,
		Cmd:      req.Command,
		Labels:   req.Labels,
		Created:  req.Created,
		Output:   output,
		Progress: p.progress,
	})
	if err != nil {
		return "", err
	}
	return output, nil
}

// Places both artifacts into the runtime image.
//
// Both artifacts are checked before the packager runs, so a missing file
// never produces an image. The output directory is created for the
// packager and removed again if packaging fails and left it empty.
func (p *pipeline) packageStage(ctx context.Context, artifacts *Artifacts) (string, error) {
	for _, a := range artifacts.Paths() {
		info, err := os.Stat(a)
		if err != nil {
			return "", fmt.Errorf("%w: %w: %w", ErrPackagingStage, ErrMissingArtifact, err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%w: %w: %s is not a regular file", ErrPackagingStage, ErrMissingArtifact, a)
		}
	}

	r := p.opts.Recipe
	req := PackageRequest{
		ID:        p.lib + "-package-" + p.id[:8],
		Name:      p.imageName(),
		Artifacts: *artifacts,
		LibDir:    r.Runtime.LibDir,
		Command:   r.Runtime.Command,
		Labels:    p.labels(),
		Created:   p.start.UTC(),
		Output:    r.Path(r.Output),
	}

	_, statErr := os.Stat(req.Output)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(req.Output, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w: %w", ErrPackagingStage, ErrFileSystemOperation, err)
	}

	out, err := p.opts.Packager.Package(ctx, req)
	if err != nil {
		if created {
			os.Remove(req.Output)
		}
		return "", fmt.Errorf("%w: %w", ErrPackagingStage, err)
	}
	return out, nil
}

// Returns the image reference, tagged with the package version.
func (p *pipeline) imageName() string {
	version := p.opts.Manifest.Package.Version
	if version == "" {
		version = "latest"
	}
	return p.lib + ":" + version
}

// Returns the standard OCI labels describing the build.
func (p *pipeline) labels() map[string]string {
	labels := map[string]string{
		ocispec.AnnotationTitle:   p.lib,
		ocispec.AnnotationCreated: p.start.UTC().Format(time.RFC3339Nano),
	}
	if v := p.opts.Manifest.Package.Version; v != "" {
		labels[ocispec.AnnotationVersion] = v
	}
	if p.opts.Revision != "" {
		labels[ocispec.AnnotationRevision] = p.opts.Revision
	}
	return labels
}
