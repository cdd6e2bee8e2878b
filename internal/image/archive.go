package image

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Random access to the entries of an OCI layout tar.
//
// Tar archives are sequential, so every lookup scans the archive from the
// start. Images have few entries and blobs are streamed, not buffered.
type archive struct {
	path string
}

// Returns the path of a blob inside the layout.
func blobPath(d digest.Digest) string {
	return path.Join(ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

// Calls fn with a reader positioned at the named entry.
func (a *archive) open(name string, fn func(io.Reader) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImage, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}
		if path.Clean(hdr.Name) == name && hdr.Typeflag == tar.TypeReg {
			return fn(tr)
		}
	}
}

// Decodes a JSON entry into v.
func (a *archive) readJSON(name string, v any) error {
	return a.open(name, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidArchive, name, err)
		}
		return nil
	})
}

// Decodes the blob identified by desc into v.
func (a *archive) readBlobJSON(desc ocispec.Descriptor, v any) error {
	return a.readJSON(blobPath(desc.Digest), v)
}

// Calls fn with the content of the blob identified by desc and verifies
// the digest once fn returns. Content fn leaves unread is drained first.
func (a *archive) readBlob(desc ocispec.Descriptor, fn func(io.Reader) error) error {
	return a.open(blobPath(desc.Digest), func(r io.Reader) error {
		verifier := desc.Digest.Verifier()
		if err := fn(io.TeeReader(r, verifier)); err != nil {
			return err
		}
		if _, err := io.Copy(verifier, r); err != nil {
			return fmt.Errorf("%w: %w", ErrImage, err)
		}
		if !verifier.Verified() {
			return fmt.Errorf("%w: blob %s failed digest verification", ErrInvalidArchive, desc.Digest)
		}
		return nil
	})
}

// Streams the blob identified by desc to w, verifying its digest.
func (a *archive) copyBlob(w io.Writer, desc ocispec.Descriptor) error {
	return a.readBlob(desc, func(r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// Resolves the image manifest for the platform.
//
// Nested indexes are followed. An empty platform matches the default
// platform and falls back to the first manifest.
func (a *archive) resolve(platform string) (ocispec.Descriptor, ocispec.Manifest, error) {
	var idx ocispec.Index
	if err := a.readJSON(ocispec.ImageIndexFile, &idx); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, err
	}

	matcher := platforms.Default()
	strict := false
	if platform != "" {
		p, err := platforms.Parse(platform)
		if err != nil {
			return ocispec.Descriptor{}, ocispec.Manifest{}, fmt.Errorf("%w: %w", ErrImage, err)
		}
		matcher = platforms.Only(p)
		strict = true
	}

	desc, err := a.selectManifest(idx, matcher, strict)
	if err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, err
	}

	var manifest ocispec.Manifest
	if err := a.readBlobJSON(desc, &manifest); err != nil {
		return ocispec.Descriptor{}, ocispec.Manifest{}, err
	}
	return desc, manifest, nil
}

// Picks the manifest descriptor from an index, descending into nested
// indexes. Manifests without a platform match any platform.
func (a *archive) selectManifest(idx ocispec.Index, matcher platforms.MatchComparer, strict bool) (ocispec.Descriptor, error) {
	var fallback *ocispec.Descriptor

	for _, desc := range idx.Manifests {
		switch desc.MediaType {
		case ocispec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
			var nested ocispec.Index
			if err := a.readBlobJSON(desc, &nested); err != nil {
				return ocispec.Descriptor{}, err
			}
			found, err := a.selectManifest(nested, matcher, strict)
			if err == nil {
				return found, nil
			}
			if !errors.Is(err, ErrNoMatchingImage) {
				return ocispec.Descriptor{}, err
			}

		case ocispec.MediaTypeImageManifest, "application/vnd.docker.distribution.manifest.v2+json":
			if desc.Platform == nil || matcher.Match(*desc.Platform) {
				return desc, nil
			}
			if fallback == nil {
				fallback = &desc
			}
		}
	}

	if fallback != nil && !strict {
		return *fallback, nil
	}
	return ocispec.Descriptor{}, ErrNoMatchingImage
}
