package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/containerd/containerd/v2/pkg/archive/compression"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// An image loaded from an OCI archive.
type Image struct {
	Descriptor ocispec.Descriptor // Manifest descriptor.
	Manifest   ocispec.Manifest   // Image manifest.
	Config     ocispec.Image      // Image config.
	archive    *archive
}

// Loads the image for platform from the OCI archive at p. An empty
// platform selects the default platform, falling back to the first image.
func Read(p, platform string) (*Image, error) {
	a := &archive{path: p}

	desc, manifest, err := a.resolve(platform)
	if err != nil {
		return nil, err
	}

	var config ocispec.Image
	if err := a.readBlobJSON(manifest.Config, &config); err != nil {
		return nil, err
	}

	return &Image{
		Descriptor: desc,
		Manifest:   manifest,
		Config:     config,
		archive:    a,
	}, nil
}

// Returns the sorted paths of the regular files and symlinks in the layer
// at index i. Paths are absolute; directories and whiteouts are omitted.
func (img *Image) Files(i int) ([]string, error) {
	if i < 0 || i >= len(img.Manifest.Layers) {
		return nil, fmt.Errorf("%w: layer %d out of range", ErrImage, i)
	}

	var files []string
	err := img.archive.readBlob(img.Manifest.Layers[i], func(r io.Reader) error {
		names, err := layerFiles(r)
		files = names
		return err
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(files)
	return files, nil
}

// Resolves name to the executable a container started from the image
// would run, following PATH from the image config and symlinks across all
// layers. Returns [ErrCommandNotFound] when no such executable exists.
func (img *Image) LookPath(name string) (string, error) {
	fs := make(rootfs)
	for _, desc := range img.Manifest.Layers {
		if err := img.archive.readBlob(desc, fs.apply); err != nil {
			return "", err
		}
	}
	return fs.lookPath(name, img.Config.Config.Env, img.Config.Config.WorkingDir)
}

// Lists the file entries of a possibly compressed layer tar.
func layerFiles(r io.Reader) ([]string, error) {
	dr, err := compression.DecompressStream(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	defer dr.Close()

	var files []string
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeSymlink {
			continue
		}
		if strings.HasPrefix(path.Base(hdr.Name), ".wh.") {
			continue
		}
		files = append(files, "/"+strings.TrimPrefix(path.Clean(hdr.Name), "/"))
	}

	return files, nil
}
