package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruciblehq/libpack/internal/cache"
	"github.com/cruciblehq/libpack/internal/manifest"
	"github.com/cruciblehq/libpack/internal/recipe"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

// Stage names, as reported to a [Recorder] and in logs.
const (
	StageDependencies = "dependencies"
	StageSource       = "source"
	StagePackage      = "package"
)

// Pipeline inputs.
type Options struct {
	Recipe   *recipe.Recipe     // Build recipe. Must be valid.
	Manifest *manifest.Manifest // Parsed dependency manifest.
	Cache    *cache.Cache       // Dependency layer store.
	Executor Executor           // Provides stage workspaces.
	Packager Packager           // Produces the runtime image.
	Env      map[string]string  // Toolchain environment, part of the cache key.
	Scratch  string             // Host directory for staging artifacts. Empty uses the system temp dir.
	Revision string             // Source revision recorded as an image label, if known.
	NoCache  bool               // Rebuild the dependency layer even when cached.
	Recorder Recorder           // Receives stage and build observations. May be nil.
}

// Outcome of a successful pipeline run.
type Result struct {
	ID        string        // Build identifier.
	Library   string        // Library name.
	Image     string        // Path to the written image archive.
	CacheKey  digest.Digest // Dependency layer key.
	CacheHit  bool          // Whether the dependency stage reused a stored layer.
	Artifacts []string      // Absolute artifact paths inside the image.
	Duration  time.Duration // Wall time of the run.
}

// Receives pipeline observations. Implementations must be safe to call
// from the goroutine running the pipeline.
type Recorder interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveCache(hit bool)
	ObserveBuild(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration, error) {}
func (nopRecorder) ObserveCache(bool)                         {}
func (nopRecorder) ObserveBuild(time.Duration, error)         {}

// Runs the pipeline: dependency stage, source stage, packaging stage.
//
// Each stage runs to completion before the next starts, and the first
// failure aborts the run. Workspaces are destroyed before Run returns.
func Run(ctx context.Context, opts Options) (*Result, error) {
	p, err := newPipeline(opts)
	if err != nil {
		return nil, err
	}

	res, err := p.run(ctx)
	p.rec.ObserveBuild(time.Since(p.start), err)
	if err != nil {
		p.log.Error("build failed", "error", err, "duration", time.Since(p.start))
		return nil, err
	}

	p.log.Info("build completed", "image", res.Image, "cache_hit", res.CacheHit, "duration", res.Duration)
	return res, nil
}

// State of a single pipeline run.
type pipeline struct {
	opts        Options
	rec         Recorder
	log         *slog.Logger
	id          string    // Build identifier.
	lib         string    // Library name.
	start       time.Time // Build start; stamps manifest files and the image.
	manifestDir string    // Host directory containing the manifest.
	placeholder string    // Workspace path of the placeholder unit.
	source      string    // Workspace path of the source tree.
	shared      string    // Workspace path of the shared library.
	static      string    // Workspace path of the static archive.
}

func newPipeline(opts Options) (*pipeline, error) {
	if opts.Recipe == nil || opts.Manifest == nil || opts.Cache == nil || opts.Executor == nil || opts.Packager == nil {
		return nil, fmt.Errorf("%w: recipe, manifest, cache, executor, and packager are required", ErrBuild)
	}
	if err := opts.Recipe.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	r := opts.Recipe
	manifestDir := filepath.Dir(r.Path(r.Manifest))

	source, err := filepath.Rel(manifestDir, r.Path(r.Source))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	source = filepath.ToSlash(source)
	if source == "." || source == ".." || filepath.IsAbs(source) || strings.HasPrefix(source, "../") {
		return nil, fmt.Errorf("%w: source %q must be a subdirectory of the manifest directory", ErrBuild, r.Source)
	}

	placeholder := r.PlaceholderPath(opts.Manifest.LibSource())
	if !strings.HasPrefix(placeholder, source+"/") {
		return nil, fmt.Errorf("%w: library root %q must be inside the source directory %q", ErrBuild, placeholder, source)
	}

	lib := r.LibName(opts.Manifest.LibName())
	shared, static := r.ArtifactPaths(lib)
	id := uuid.NewString()

	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	return &pipeline{
		opts:        opts,
		rec:         rec,
		log:         slog.With("build", id, "library", lib),
		id:          id,
		lib:         lib,
		start:       time.Now(),
		manifestDir: manifestDir,
		placeholder: placeholder,
		source:      source,
		shared:      shared,
		static:      static,
	}, nil
}

func (p *pipeline) run(ctx context.Context) (*Result, error) {
	p.log.Info("build started", "manifest", p.opts.Manifest.Path, "toolchain", p.opts.Executor.Toolchain(), "platform", p.opts.Executor.Platform())

	var dep *depResult
	err := p.stage(StageDependencies, func() (err error) {
		dep, err = p.dependencyStage(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var artifacts *Artifacts
	staging, err := newStaging(p.opts.Scratch, p.lib)
	if err != nil {
		return nil, err
	}
	defer staging.remove()

	err = p.stage(StageSource, func() (err error) {
		artifacts, err = p.sourceStage(ctx, dep.layer, staging.dir)
		return err
	})
	if err != nil {
		return nil, err
	}

	var image string
	err = p.stage(StagePackage, func() (err error) {
		image, err = p.packageStage(ctx, artifacts)
		return err
	})
	if err != nil {
		return nil, err
	}

	libDir := p.opts.Recipe.Runtime.LibDir
	return &Result{
		ID:       p.id,
		Library:  p.lib,
		Image:    image,
		CacheKey: dep.layer.Key,
		CacheHit: dep.hit,
		Artifacts: []string{
			path.Join(libDir, filepath.Base(artifacts.Shared)),
			path.Join(libDir, filepath.Base(artifacts.Static)),
		},
		Duration: time.Since(p.start),
	}, nil
}

// Runs fn as the named stage, logging and recording its outcome.
func (p *pipeline) stage(name string, fn func() error) error {
	log := p.log.With("stage", name)
	log.Info("stage started")

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	p.rec.ObserveStage(name, elapsed, err)

	if err != nil {
		return err
	}

	log.Info("stage completed", "duration", elapsed)
	return nil
}

// Runs produce and consume concurrently over a pipe.
//
// The producer's error takes precedence, since a consumer failure is
// usually the result of a truncated stream.
func stream(produce func(io.Writer) error, consume func(io.Reader) error) error {
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() {
		err := produce(pw)
		pw.CloseWithError(err)
		done <- err
	}()

	consumeErr := consume(pr)
	if consumeErr != nil {
		pr.CloseWithError(consumeErr)
	} else {
		// Drain anything the consumer did not read so the producer finishes.
		_, consumeErr = io.Copy(io.Discard, pr)
	}

	produceErr := <-done
	if produceErr != nil && (consumeErr == nil || !errors.Is(produceErr, consumeErr)) {
		return produceErr
	}
	return consumeErr
}
