package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/containerd/containerd/v2/pkg/archive/compression"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"

	// Search path used when the image config does not set PATH.
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

	// Symlinks followed before a lookup gives up, as in Linux path walks.
	maxSymlinks = 40
)

// A filesystem entry of the merged image.
type node struct {
	typ  byte   // Tar type flag.
	mode int64  // Permission bits.
	link string // Symlink target.
}

// Merged view of an image's layers, keyed by clean absolute path. Holds
// metadata only.
type rootfs map[string]node

// Applies a possibly compressed layer tar on top of the view.
//
// Whiteouts remove entries of the layers below; they never affect entries
// of the layer itself.
func (fs rootfs) apply(r io.Reader) error {
	dr, err := compression.DecompressStream(r)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
	}
	defer dr.Close()

	type entry struct {
		name string
		n    node
	}
	var (
		entries []entry
		opaque  []string
		removed []string
	)

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArchive, err)
		}

		name := path.Clean("/" + hdr.Name)
		if name == "/" {
			continue
		}

		dir, base := path.Split(name)
		switch {
		case base == opaqueWhiteout:
			opaque = append(opaque, path.Clean(dir))
		case strings.HasPrefix(base, whiteoutPrefix):
			removed = append(removed, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
		case hdr.Typeflag == tar.TypeLink:
			entries = append(entries, entry{name, node{typ: tar.TypeLink, link: path.Clean("/" + hdr.Linkname)}})
		default:
			entries = append(entries, entry{name, node{typ: hdr.Typeflag, mode: hdr.Mode, link: hdr.Linkname}})
		}
	}

	for _, dir := range opaque {
		fs.removeChildren(dir)
	}
	for _, p := range removed {
		fs.remove(p)
	}
	for _, e := range entries {
		if e.n.typ == tar.TypeLink {
			target, ok := fs[e.n.link]
			if !ok {
				continue
			}
			e.n = target
		}
		fs.add(e.name, e.n)
	}
	return nil
}

// Adds an entry and any missing parent directories. A non-directory
// replaces whatever was below the path.
func (fs rootfs) add(name string, n node) {
	if n.typ != tar.TypeDir {
		fs.removeChildren(name)
	}
	fs[name] = n
	for dir := path.Dir(name); dir != "/"; dir = path.Dir(dir) {
		if _, ok := fs[dir]; ok {
			break
		}
		fs[dir] = node{typ: tar.TypeDir, mode: 0o755}
	}
}

// Removes an entry and everything below it.
func (fs rootfs) remove(name string) {
	delete(fs, name)
	fs.removeChildren(name)
}

func (fs rootfs) removeChildren(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range fs {
		if strings.HasPrefix(p, prefix) {
			delete(fs, p)
		}
	}
}

// Walks p following symlinks in every component. Returns the final path
// and its entry, or false when a component does not exist.
func (fs rootfs) resolve(p string) (string, node, bool) {
	pending := splitPath(p)
	cur := "/"
	hops := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case "", ".":
			continue
		case "..":
			cur = path.Dir(cur)
			continue
		}

		next := path.Join(cur, part)
		n, ok := fs[next]
		if !ok {
			return "", node{}, false
		}
		if n.typ != tar.TypeSymlink {
			cur = next
			continue
		}

		hops++
		if hops > maxSymlinks {
			return "", node{}, false
		}
		target := n.link
		if !path.IsAbs(target) {
			target = path.Join(cur, target)
		}
		pending = append(splitPath(target), pending...)
		cur = "/"
	}

	if cur == "/" {
		return cur, node{typ: tar.TypeDir, mode: 0o755}, true
	}
	return cur, fs[cur], true
}

// Reports whether p resolves to a regular file with an execute bit set.
func (fs rootfs) executable(p string) bool {
	_, n, ok := fs.resolve(p)
	return ok && n.typ == tar.TypeReg && n.mode&0o111 != 0
}

// Finds the executable for name the way a container runtime does: names
// containing a slash are taken relative to workdir, others are searched
// in the PATH from env.
func (fs rootfs) lookPath(name string, env []string, workdir string) (string, error) {
	if strings.Contains(name, "/") {
		p := name
		if !path.IsAbs(p) {
			p = path.Join("/", workdir, p)
		}
		if fs.executable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}

	for _, dir := range strings.Split(searchPath(env), ":") {
		if dir == "" {
			continue
		}
		p := path.Join(dir, name)
		if !path.IsAbs(p) {
			p = path.Join("/", workdir, p)
		}
		if fs.executable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s not in PATH", ErrCommandNotFound, name)
}

// Returns the PATH set in env, or the default search path.
func searchPath(env []string) string {
	value, found := "", false
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			value, found = v, true
		}
	}
	if !found {
		return defaultPath
	}
	return value
}

func splitPath(p string) []string {
	return strings.Split(strings.TrimPrefix(path.Clean("/"+p), "/"), "/")
}
