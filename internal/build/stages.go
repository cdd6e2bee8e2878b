package build

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/cache"
	"github.com/cruciblehq/libpack/internal/paths"
)

// Longest stderr excerpt included in a command failure.
const maxStderr = 4096

// Outcome of the dependency stage.
type depResult struct {
	layer *cache.Layer
	hit   bool
}

// Returns the cache inputs of the dependency stage.
func (p *pipeline) cacheInputs() (cache.Inputs, error) {
	r := p.opts.Recipe

	lockfile, err := p.readLockfile()
	if err != nil {
		return cache.Inputs{}, err
	}

	return cache.Inputs{
		Manifest:        p.opts.Manifest.Bytes(),
		Lockfile:        lockfile,
		PlaceholderPath: p.placeholder,
		Placeholder:     []byte(r.Placeholder.Content),
		Command:         r.Toolchain.Build,
		Image:           p.opts.Executor.Toolchain(),
		Platform:        p.opts.Executor.Platform(),
		Env:             p.opts.Env,
		Target:          r.Target,
	}, nil
}

// Reads the lockfile, returning nil when none is configured or present.
func (p *pipeline) readLockfile() ([]byte, error) {
	r := p.opts.Recipe
	if r.Lockfile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(r.Path(r.Lockfile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return b, nil
}

// Returns the manifest and lockfile as workspace files at the root.
func (p *pipeline) manifestFiles() ([]memFile, error) {
	files := []memFile{{name: filepath.Base(p.opts.Recipe.Manifest), data: p.opts.Manifest.Bytes()}}

	lockfile, err := p.readLockfile()
	if err != nil {
		return nil, err
	}
	if lockfile != nil {
		files = append(files, memFile{name: filepath.Base(p.opts.Recipe.Lockfile), data: lockfile})
	}
	return files, nil
}

// Compiles the dependencies against the placeholder unit and stores the
// toolchain output directory as a cache layer.
//
// When a layer for the current inputs is already stored, nothing is
// compiled. Otherwise a fresh workspace receives only the manifest, the
// lockfile, and the placeholder.
func (p *pipeline) dependencyStage(ctx context.Context) (*depResult, error) {
	inputs, err := p.cacheInputs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
	}
	key := inputs.Key()
	log := p.log.With("stage", StageDependencies, "key", key)

	if !p.opts.NoCache {
		layer, err := p.opts.Cache.Lookup(ctx, key)
		if err == nil {
			p.rec.ObserveCache(true)
			log.Info("cache hit", "hits", layer.Hits, "size", layer.Size)
			return &depResult{layer: layer, hit: true}, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
		}
	}
	p.rec.ObserveCache(false)
	m := p.opts.Manifest
	log.Info("cache miss, compiling dependencies", "dependencies", len(m.Dependencies), "edition", m.Package.Edition)
	for _, dep := range m.Dependencies {
		log.Debug("dependency", "name", dep.String())
	}

	files, err := p.manifestFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
	}
	files = append(files, memFile{name: p.placeholder, data: []byte(p.opts.Recipe.Placeholder.Content)})

	ws, err := p.opts.Executor.Open(ctx, p.lib+"-deps-"+p.id[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
	}
	defer ws.Close(ctx)

	if err := putFiles(ctx, ws, files, p.start); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
	}

	if err := p.compile(ctx, ws); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDependencyStage, err)
	}

	meta := cache.Metadata{Library: p.lib, Manifest: p.opts.Manifest.Digest()}
	var layer *cache.Layer
	err = stream(
		func(w io.Writer) error {
			return ws.Get(ctx, w, p.opts.Recipe.Target)
		},
		func(r io.Reader) (err error) {
			layer, err = p.opts.Cache.Commit(ctx, key, meta, r)
			return err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: storing %s: %w", ErrDependencyStage, p.opts.Recipe.Target, err)
	}

	log.Info("cache layer stored", "size", layer.Size)
	return &depResult{layer: layer}, nil
}

// Compiles the real source on top of the cached dependency layer and
// copies both artifacts into stagingDir.
//
// The placeholder and any artifacts restored from the layer are removed
// before the source is added, so only files produced by this compile can
// be collected. Source entries carry the time they are added as their
// modification time, which makes the toolchain treat them as newer than
// anything in the layer, including a layer compiled earlier in this run.
func (p *pipeline) sourceStage(ctx context.Context, layer *cache.Layer, stagingDir string) (*Artifacts, error) {
	r := p.opts.Recipe

	files, err := p.manifestFiles()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}

	ws, err := p.opts.Executor.Open(ctx, p.lib+"-src-"+p.id[:8])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}
	defer ws.Close(ctx)

	if err := putFiles(ctx, ws, files, p.start); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}

	if err := restoreLayer(ctx, ws, layer, path.Dir(r.Target)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}

	if err := ws.Remove(ctx, p.placeholder, p.shared, p.static); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}

	sourceHost := r.Path(r.Source)
	err = stream(
		func(w io.Writer) error {
			tw := tar.NewWriter(w)
			if err := writePathToTar(tw, sourceHost, path.Base(p.source), time.Now()); err != nil {
				return err
			}
			return tw.Close()
		},
		func(rd io.Reader) error {
			return ws.Put(ctx, rd, path.Dir(p.source))
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrSourceStage, ErrCopy, err)
	}

	if err := p.compile(ctx, ws); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceStage, err)
	}

	artifacts := &Artifacts{}
	for _, a := range []struct {
		src string
		dst *string
	}{
		{p.shared, &artifacts.Shared},
		{p.static, &artifacts.Static},
	} {
		err := stream(
			func(w io.Writer) error { return ws.Get(ctx, w, a.src) },
			func(rd io.Reader) error { return extractTar(rd, stagingDir) },
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %s: %w", ErrSourceStage, ErrMissingArtifact, a.src, err)
		}

		*a.dst = filepath.Join(stagingDir, path.Base(a.src))
		info, err := os.Stat(*a.dst)
		if err != nil || !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %w: %s is not a regular file", ErrSourceStage, ErrMissingArtifact, a.src)
		}
	}

	p.log.Debug("artifacts collected", "shared", artifacts.Shared, "static", artifacts.Static)
	return artifacts, nil
}

// Runs the build command and fails on a non-zero exit code.
func (p *pipeline) compile(ctx context.Context, ws Workspace) error {
	command := p.opts.Recipe.Toolchain.Build
	p.log.Debug("running build command", "command", command)

	res, err := ws.Exec(ctx, command)
	if err != nil {
		return err
	}

	if res.Stdout != "" {
		p.log.Debug("build output", "stdout", res.Stdout)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %q exited with code %d: %s", ErrCommandFailed, command, res.ExitCode, tail(res.Stderr, maxStderr))
	}
	return nil
}

// Copies in-memory files into the workspace root.
func putFiles(ctx context.Context, ws Workspace, files []memFile, mtime time.Time) error {
	archive, err := memArchive(files, mtime)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}
	return ws.Put(ctx, bytes.NewReader(archive), ".")
}

// Extracts a cache layer into dir.
func restoreLayer(ctx context.Context, ws Workspace, layer *cache.Layer, dir string) error {
	rc, err := layer.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return ws.Put(ctx, rc, dir)
}

// Host directory holding collected artifacts until packaging completes.
type staging struct {
	dir string
}

func newStaging(root, lib string) (*staging, error) {
	if root != "" {
		if err := os.MkdirAll(root, paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
	}
	dir, err := os.MkdirTemp(root, lib+"-artifacts-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return &staging{dir: dir}, nil
}

func (s *staging) remove() {
	os.RemoveAll(s.dir)
}

// Returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
