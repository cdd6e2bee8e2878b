package build

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/paths"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// An in-memory file placed into a workspace.
type memFile struct {
	name string // Slash-separated path relative to the extraction root.
	data []byte
	mode int64
}

// Builds a tar archive from in-memory files. Parent directories are
// created as needed.
func memArchive(files []memFile, mtime time.Time) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := make(map[string]bool)
	for _, f := range files {
		for _, dir := range parentDirs(f.name) {
			if dirs[dir] {
				continue
			}
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     int64(paths.DefaultDirMode),
				ModTime:  mtime,
			}); err != nil {
				return nil, err
			}
		}

		mode := f.mode
		if mode == 0 {
			mode = int64(paths.DefaultFileMode)
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.name,
			Mode:     mode,
			Size:     int64(len(f.data)),
			ModTime:  mtime,
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Returns the parent directories of a slash-separated path, outermost
// first.
func parentDirs(name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append([]string{dir}, dirs...)
	}
	return dirs
}

// Writes a host file or directory to a tar writer under the given archive
// name. A non-zero mtime replaces every entry's modification time.
func writePathToTar(tw *tar.Writer, hostPath, name string, mtime time.Time) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return writeDirToTar(tw, hostPath, name, mtime)
	}
	return writeFileToTar(tw, hostPath, info, name, mtime)
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath string, info os.FileInfo, name string, mtime time.Time) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if !mtime.IsZero() {
		header.ModTime = mtime
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive
// prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string, mtime time.Time) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		return writeTarEntry(tw, p, filepath.ToSlash(filepath.Join(prefix, rel)), d, mtime)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry, mtime time.Time) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}
	if !mtime.IsZero() {
		header.ModTime = mtime
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}

// Extracts a tar stream into root.
//
// Entry paths are resolved with securejoin so that neither "../" entries
// nor symlinks inside the archive can write outside root. Modification
// times are restored from the headers, which the toolchain relies on to
// decide what is up to date.
func extractTar(r io.Reader, root string) error {
	if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(header.Name, "/")
		if name == "" || name == "." {
			continue
		}

		target, err := securejoin.SecureJoin(root, name)
		if err != nil {
			return err
		}

		if err := extractEntry(tr, header, target); err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}
	}
}

// Materializes a single tar entry at target.
func extractEntry(tr *tar.Reader, header *tar.Header, target string) error {
	mode := os.FileMode(header.Mode).Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode|0700); err != nil {
			return err
		}

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)

	default:
		// Devices, FIFOs, and hard links do not occur in toolchain output.
		return nil
	}

	return os.Chtimes(target, header.ModTime, header.ModTime)
}
