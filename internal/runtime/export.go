package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the OCI archive produced by Export.
const ExportFilename = "image.tar"

// Image config overrides applied on export.
type ImageConfig struct {
	Cmd    []string          // Image command. The entrypoint is cleared.
	Labels map[string]string // Labels merged over the base image's labels.
}

// Commits the container's filesystem changes and exports the result as an
// OCI archive at output/image.tar.
//
// The diff between the container's snapshot and its parent becomes one new
// layer on top of the base image. The stored base image record is never
// modified: the mutated manifest, config, and index are written as
// ephemeral blobs protected by a content lease for the duration of the
// export. The archive is written to a temporary file and renamed into
// place, so a failed export leaves no image behind.
func (c *Container) Export(ctx context.Context, output string, cfg ImageConfig) (string, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	layer, diffID, err := c.snapshotDiff(ctx, info)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	// Without a lease containerd's GC may collect the ephemeral blobs
	// between writing them and exporting.
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}
	defer done(context.Background())

	target, err := c.buildExportTarget(ctx, info.Image, func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		config.Config.Entrypoint = nil
		config.Config.Cmd = cfg.Cmd
		if len(cfg.Labels) > 0 {
			if config.Config.Labels == nil {
				config.Config.Labels = make(map[string]string, len(cfg.Labels))
			}
			maps.Copy(config.Config.Labels, cfg.Labels)
		}
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	exportPath := filepath.Join(output, ExportFilename)
	if err := c.exportImage(ctx, target, info.Image, exportPath); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	slog.Info("image exported", "path", exportPath)
	return exportPath, nil
}

// Computes the diff between the container's snapshot and its parent.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Writes the image to an OCI archive at path, via a temporary sibling.
//
// The target descriptor is exported directly with [archive.WithManifest],
// so ephemeral content can be exported without an image record. Only the
// manifest for the container's platform is included.
func (c *Container) exportImage(ctx context.Context, target ocispec.Descriptor, imageName, path string) error {
	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".image-*.tar")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = c.client.Export(ctx, tmp,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Builds the export target by applying a mutation to the base image's
// manifest and config.
func (c *Container) buildExportTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	img, err := c.client.ImageService().Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, err := c.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	newManifest, err := c.mutateManifest(ctx, target, imageName, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	if index == nil {
		return newManifest, nil
	}

	// Other platforms' layers are usually absent from the content store, so
	// the exported index carries only the rebuilt manifest.
	index.Manifests = []ocispec.Descriptor{newManifest}
	return c.writeBlob(ctx, img.Target.MediaType, index, imageName+"-index", content.WithLabels(indexGCLabels(*index)))
}

// Resolves the image root to the manifest for the container's platform.
//
// Returns the manifest descriptor and, when the root is an index, the
// decoded index. Index entries without platform metadata (served by some
// registries) are matched by reading the platform from their config.
func (c *Container) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, nil
	}

	var idx ocispec.Index
	if err := c.readJSON(ctx, root, &idx); err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}

	if i, ok := c.matchManifest(ctx, idx, platforms.OnlyStrict(p)); ok {
		return idx.Manifests[i], &idx, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, fmt.Errorf("%w: %s", ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], &idx, nil
}

// Returns the position of the first index entry matching the platform.
// Entries with explicit platform metadata are preferred.
func (c *Container) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := c.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the platform declared in the config of the given manifest.
func (c *Container) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	var manifest ocispec.Manifest
	if err := c.readJSON(ctx, desc, &manifest); err != nil {
		return ocispec.Platform{}, false
	}
	var config ocispec.Image
	if err := c.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Platform{}, false
	}
	return config.Platform, true
}

// Reads the manifest and config, applies the mutation, and writes both
// back to the content store.
func (c *Container) mutateManifest(ctx context.Context, target ocispec.Descriptor, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	var manifest ocispec.Manifest
	if err := c.readJSON(ctx, target, &manifest); err != nil {
		return ocispec.Descriptor{}, err
	}

	var config ocispec.Image
	if err := c.readJSON(ctx, manifest.Config, &config); err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	configDesc, err := c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = configDesc

	return c.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Decodes a JSON blob from the content store.
func (c *Container) readJSON(ctx context.Context, desc ocispec.Descriptor, v any) error {
	b, err := content.ReadBlob(ctx, c.client.ContentStore(), desc)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Serializes a value into the content store and returns its descriptor.
func (c *Container) writeBlob(ctx context.Context, mediaType string, v any, ref string, opts ...content.Opt) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := content.WriteBlob(ctx, c.client.ContentStore(), ref, bytes.NewReader(b), desc, opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Computes containerd GC reference labels for a manifest's children, so the
// collector can trace reachability from the manifest to its blobs.
func manifestGCLabels(m ocispec.Manifest) map[string]string {
	labels := map[string]string{
		"containerd.io/gc.ref.content.config": m.Config.Digest.String(),
	}
	for i, layer := range m.Layers {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)] = layer.Digest.String()
	}
	return labels
}

// Computes containerd GC reference labels for an index's children.
func indexGCLabels(idx ocispec.Index) map[string]string {
	labels := make(map[string]string, len(idx.Manifests))
	for i, m := range idx.Manifests {
		labels[fmt.Sprintf("containerd.io/gc.ref.content.m.%d", i)] = m.Digest.String()
	}
	return labels
}
