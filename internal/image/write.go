package image

import (
	"archive/tar"
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/schollz/progressbar/v3"
)

// History entry recorded for the appended layer.
const createdBy = "libpack: place artifacts"

// A host file placed into the image.
type File struct {
	Source string      // Host path of the file.
	Path   string      // Absolute path inside the image.
	Mode   os.FileMode // Permission bits. Zero keeps the source file's bits.
}

// Describes the image written by [Write].
type Options struct {
	Base     string            // Optional OCI archive used as the base image.
	Platform string            // Image platform. Empty uses the base image's, then the host's.
	Name     string            // Image reference recorded in the index, e.g. "libfoo:0.1.0".
	Files    []File            // Files placed in the new layer.
	Cmd      []string          // Image command. The entrypoint is cleared.
	Labels   map[string]string // Labels merged over the base image's labels.
	Created  time.Time         // Creation time of the image and the new layer's entries.
	Output   string            // Path of the archive to write.
	Progress bool              // Render a progress bar while copying files.
}

// A blob queued for the output archive.
type blob struct {
	desc  ocispec.Descriptor
	write func(io.Writer) error
}

// Writes an OCI image archive.
//
// The image consists of the base image's layers, if any, plus one new
// uncompressed layer containing exactly opts.Files and their parent
// directories. Every file is checked before anything is written, so a
// missing file fails with [ErrMissingFile] and leaves no output behind.
// A command whose executable the finished image would not contain fails
// with [ErrCommandNotFound], also before any output exists. Returns the
// descriptor of the image manifest.
func Write(ctx context.Context, opts Options) (ocispec.Descriptor, error) {
	if err := checkFiles(opts.Files); err != nil {
		return ocispec.Descriptor{}, err
	}

	if opts.Created.IsZero() {
		opts.Created = time.Now().UTC()
	}

	config, manifest, base, err := loadBase(opts.Base, opts.Platform)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if err := checkCommand(base, manifest, config, opts); err != nil {
		return ocispec.Descriptor{}, err
	}

	outDir := filepath.Dir(opts.Output)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrImage, err)
	}

	layerFile, err := os.CreateTemp(outDir, ".layer-*.tar")
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrImage, err)
	}
	defer func() {
		layerFile.Close()
		os.Remove(layerFile.Name())
	}()

	layerDesc, err := writeLayer(ctx, layerFile, opts)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	applyConfig(&config, opts, layerDesc.Digest)

	configDesc, configBytes, err := marshalBlob(ocispec.MediaTypeImageConfig, config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest.Versioned.SchemaVersion = 2
	manifest.MediaType = ocispec.MediaTypeImageManifest
	manifest.Config = configDesc
	manifest.Layers = append(manifest.Layers, layerDesc)

	manifestDesc, manifestBytes, err := marshalBlob(ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifestDesc.Platform = &config.Platform
	if opts.Name != "" {
		manifestDesc.Annotations = map[string]string{
			images.AnnotationImageName: opts.Name,
			ocispec.AnnotationRefName:  refName(opts.Name),
		}
	}

	blobs := make([]blob, 0, len(manifest.Layers)+2)
	for _, desc := range manifest.Layers[:len(manifest.Layers)-1] {
		blobs = append(blobs, blob{desc: desc, write: func(w io.Writer) error {
			return base.copyBlob(w, desc)
		}})
	}
	blobs = append(blobs,
		blob{desc: layerDesc, write: func(w io.Writer) error {
			if _, err := layerFile.Seek(0, io.SeekStart); err != nil {
				return err
			}
			_, err := io.Copy(w, layerFile)
			return err
		}},
		blob{desc: configDesc, write: bytesWriter(configBytes)},
		blob{desc: manifestDesc, write: bytesWriter(manifestBytes)},
	)

	idx := ocispec.Index{
		Versioned: manifest.Versioned,
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	}

	if err := writeArchive(opts.Output, idx, blobs, opts.Created); err != nil {
		return ocispec.Descriptor{}, err
	}

	slog.Info("image written", "path", opts.Output, "manifest", manifestDesc.Digest, "layers", len(manifest.Layers))
	return manifestDesc, nil
}

// Verifies every file exists and is a regular file.
func checkFiles(files []File) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if !path.IsAbs(f.Path) {
			return fmt.Errorf("%w: image path %q must be absolute", ErrImage, f.Path)
		}
		clean := path.Clean(f.Path)
		if seen[clean] {
			return fmt.Errorf("%w: duplicate image path %q", ErrImage, clean)
		}
		seen[clean] = true

		info, err := os.Stat(f.Source)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMissingFile, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrMissingFile, f.Source)
		}
	}
	return nil
}

// Verifies the image command resolves to an executable in the merged
// filesystem of the base layers and opts.Files.
func checkCommand(base *archive, manifest ocispec.Manifest, config ocispec.Image, opts Options) error {
	if len(opts.Cmd) == 0 {
		return nil
	}

	fs := make(rootfs)
	for _, desc := range manifest.Layers {
		if err := base.readBlob(desc, fs.apply); err != nil {
			return err
		}
	}

	for _, f := range opts.Files {
		mode := int64(f.Mode.Perm())
		if mode == 0 {
			info, err := os.Stat(f.Source)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMissingFile, err)
			}
			mode = int64(info.Mode().Perm())
		}
		fs.add(path.Clean(f.Path), node{typ: tar.TypeReg, mode: mode})
	}

	if _, err := fs.lookPath(opts.Cmd[0], config.Config.Env, config.Config.WorkingDir); err != nil {
		return fmt.Errorf("image command %q: %w", strings.Join(opts.Cmd, " "), err)
	}
	return nil
}

// Reads the base image, or returns an empty image for the platform when no
// base is configured.
func loadBase(basePath, platform string) (ocispec.Image, ocispec.Manifest, *archive, error) {
	if basePath == "" {
		p := platforms.DefaultSpec()
		if platform != "" {
			parsed, err := platforms.Parse(platform)
			if err != nil {
				return ocispec.Image{}, ocispec.Manifest{}, nil, fmt.Errorf("%w: %w", ErrImage, err)
			}
			p = parsed
		}
		config := ocispec.Image{
			Platform: p,
			RootFS:   ocispec.RootFS{Type: "layers"},
		}
		return config, ocispec.Manifest{}, nil, nil
	}

	base := &archive{path: basePath}
	_, manifest, err := base.resolve(platform)
	if err != nil {
		return ocispec.Image{}, ocispec.Manifest{}, nil, err
	}

	var config ocispec.Image
	if err := base.readBlobJSON(manifest.Config, &config); err != nil {
		return ocispec.Image{}, ocispec.Manifest{}, nil, err
	}

	if len(config.RootFS.DiffIDs) != len(manifest.Layers) {
		return ocispec.Image{}, ocispec.Manifest{}, nil, fmt.Errorf("%w: base image has %d layers but %d diff IDs", ErrInvalidArchive, len(manifest.Layers), len(config.RootFS.DiffIDs))
	}

	manifest.Annotations = nil
	return config, manifest, base, nil
}

// Updates the image config for the new layer.
func applyConfig(config *ocispec.Image, opts Options, diffID digest.Digest) {
	created := opts.Created
	config.Created = &created
	config.RootFS.Type = "layers"
	config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
	config.Config.Entrypoint = nil
	config.Config.Cmd = slices.Clone(opts.Cmd)

	if len(opts.Labels) > 0 {
		if config.Config.Labels == nil {
			config.Config.Labels = make(map[string]string, len(opts.Labels))
		}
		maps.Copy(config.Config.Labels, opts.Labels)
	}

	if len(config.History) > 0 {
		config.History = append(config.History, ocispec.History{
			Created:   &created,
			CreatedBy: createdBy,
		})
	}
}

// Writes the new layer to f and returns its descriptor.
//
// The layer is an uncompressed tar, so its digest doubles as the diff ID.
// Entries are sorted by path and stamped with opts.Created.
func writeLayer(ctx context.Context, f *os.File, opts Options) (ocispec.Descriptor, error) {
	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	tw := tar.NewWriter(io.MultiWriter(f, digester.Hash(), counter))

	files := slices.Clone(opts.Files)
	slices.SortFunc(files, func(a, b File) int { return strings.Compare(path.Clean(a.Path), path.Clean(b.Path)) })

	written := make(map[string]bool)
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return ocispec.Descriptor{}, err
		}

		name := strings.TrimPrefix(path.Clean(file.Path), "/")
		for _, dir := range parents(name) {
			if written[dir] {
				continue
			}
			written[dir] = true
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  opts.Created,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrImage, err)
			}
		}

		if err := writeFile(tw, file, name, opts); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	if err := tw.Close(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", ErrImage, err)
	}

	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    digester.Digest(),
		Size:      counter.n,
	}, nil
}

// Writes one file entry to the layer.
func writeFile(tw *tar.Writer, file File, name string, opts Options) error {
	src, err := os.Open(file.Source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMissingFile, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMissingFile, err)
	}

	mode := file.Mode
	if mode == 0 {
		mode = info.Mode().Perm()
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     info.Size(),
		ModTime:  opts.Created,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}

	var w io.Writer = tw
	if opts.Progress {
		bar := progressbar.DefaultBytes(info.Size(), "copy "+path.Base(name))
		defer bar.Close()
		w = io.MultiWriter(tw, bar)
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	return nil
}

// Writes the OCI layout tar to a temporary file and renames it to output.
func writeArchive(output string, idx ocispec.Index, blobs []blob, mtime time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(output), ".image-*.tar")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeLayout(tmp, idx, blobs, mtime); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := os.Rename(tmpName, output); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	return nil
}

// Writes the layout marker, blobs, and index to w.
func writeLayout(w io.Writer, idx ocispec.Index, blobs []blob, mtime time.Time) error {
	tw := tar.NewWriter(w)

	layout, err := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := writeEntry(tw, ocispec.ImageLayoutFile, int64(len(layout)), mtime, bytesWriter(layout)); err != nil {
		return err
	}

	written := make(map[digest.Digest]bool, len(blobs))
	for _, b := range blobs {
		if written[b.desc.Digest] {
			continue
		}
		written[b.desc.Digest] = true
		if err := writeEntry(tw, blobPath(b.desc.Digest), b.desc.Size, mtime, b.write); err != nil {
			return err
		}
	}

	index, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := writeEntry(tw, ocispec.ImageIndexFile, int64(len(index)), mtime, bytesWriter(index)); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	return nil
}

// Writes a regular file entry whose content comes from write.
func writeEntry(tw *tar.Writer, name string, size int64, mtime time.Time, write func(io.Writer) error) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  mtime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	if err := write(tw); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImage, name, err)
	}
	return nil
}

// Marshals v and returns its descriptor and bytes.
func marshalBlob(mediaType string, v any) (ocispec.Descriptor, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %w", ErrImage, err)
	}
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}, b, nil
}

func bytesWriter(b []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}
}

// Returns the parent directories of a relative slash path, outermost first.
func parents(name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	slices.Reverse(dirs)
	return dirs
}

// Returns the tag part of an image reference, or "latest".
func refName(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 && !strings.Contains(name[i:], "/") {
		return name[i+1:]
	}
	return "latest"
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
