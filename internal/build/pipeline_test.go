package build

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cruciblehq/libpack/internal/cache"
	"github.com/cruciblehq/libpack/internal/image"
	"github.com/cruciblehq/libpack/internal/manifest"
	"github.com/cruciblehq/libpack/internal/recipe"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const testManifest = `[package]
name = "vision-core"
version = "0.3.1"
edition = "2021"

[dependencies]
image = "0.24"
`

// Stands in for a compiler. With the empty placeholder it produces a
// dependency marker and placeholder artifacts. With real source it checks
// the dependency layer was restored and stale artifacts were removed, then
// writes the source into both artifacts.
const fakeToolchain = `set -e
mkdir -p target/release
if [ -s src/lib.rs ]; then
  test -f target/deps.marker
  test ! -e target/release/libvision_core.so
  test ! -e target/release/libvision_core.rlib
  cat src/lib.rs > target/release/libvision_core.so
  cat src/lib.rs > target/release/libvision_core.rlib
else
  echo compiled >> target/deps.marker
  echo placeholder > target/release/libvision_core.so
  echo placeholder > target/release/libvision_core.rlib
fi`

type fixture struct {
	dir     string
	scratch string
	recipe  *recipe.Recipe
	cache   *cache.Cache
}

func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("the fake toolchain needs a POSIX shell")
	}

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cargo.toml"), testManifest)
	writeFile(t, filepath.Join(dir, "src", "lib.rs"), "pub fn detect() {}\n")

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	r := recipe.Default()
	r.Dir = dir
	r.Toolchain.Build = script

	return &fixture{dir: dir, scratch: t.TempDir(), recipe: r, cache: c}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) options(t *testing.T, pkg Packager, rec Recorder) Options {
	t.Helper()
	m, err := manifest.Load(filepath.Join(f.dir, "Cargo.toml"))
	if err != nil {
		t.Fatal(err)
	}
	return Options{
		Recipe:   f.recipe,
		Manifest: m,
		Cache:    f.cache,
		Executor: NewHostExecutor(f.scratch, "/bin/sh", nil),
		Packager: pkg,
		Scratch:  f.scratch,
		Recorder: rec,
	}
}

// Captures the artifacts handed to packaging.
type capturePackager struct {
	calls     int
	req       PackageRequest
	shared    string
	static    string
	outputDir bool  // Whether req.Output existed as a directory.
	err       error // Returned after capturing.
}

func (p *capturePackager) Package(ctx context.Context, req PackageRequest) (string, error) {
	p.calls++
	p.req = req
	if info, err := os.Stat(req.Output); err == nil && info.IsDir() {
		p.outputDir = true
	}
	if p.err != nil {
		return "", p.err
	}
	shared, err := os.ReadFile(req.Artifacts.Shared)
	if err != nil {
		return "", err
	}
	static, err := os.ReadFile(req.Artifacts.Static)
	if err != nil {
		return "", err
	}
	p.shared, p.static = string(shared), string(static)
	return filepath.Join(req.Output, "image.tar"), nil
}

type stageObservation struct {
	stage string
	err   error
}

type captureRecorder struct {
	stages   []stageObservation
	hits     int
	misses   int
	builds   int
	buildErr error
}

func (r *captureRecorder) ObserveStage(stage string, d time.Duration, err error) {
	r.stages = append(r.stages, stageObservation{stage, err})
}

func (r *captureRecorder) ObserveCache(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *captureRecorder) ObserveBuild(d time.Duration, err error) {
	r.builds++
	r.buildErr = err
}

func TestRunCollectsRealArtifacts(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	pkg := &capturePackager{}
	rec := &captureRecorder{}

	res, err := Run(context.Background(), f.options(t, pkg, rec))
	if err != nil {
		t.Fatal(err)
	}

	if res.CacheHit {
		t.Error("first build reported a cache hit")
	}
	if res.Library != "vision_core" {
		t.Errorf("library = %q, want vision_core", res.Library)
	}
	if pkg.shared != "pub fn detect() {}\n" || pkg.static != "pub fn detect() {}\n" {
		t.Errorf("artifacts = %q, %q; want the real source build", pkg.shared, pkg.static)
	}

	wantArtifacts := []string{"/usr/local/lib/libvision_core.so", "/usr/local/lib/libvision_core.rlib"}
	if !slices.Equal(res.Artifacts, wantArtifacts) {
		t.Errorf("artifacts = %v, want %v", res.Artifacts, wantArtifacts)
	}

	if pkg.req.LibDir != "/usr/local/lib" {
		t.Errorf("libdir = %q", pkg.req.LibDir)
	}
	if !slices.Equal(pkg.req.Command, []string{"tail", "-f", "/dev/null"}) {
		t.Errorf("command = %v", pkg.req.Command)
	}
	if pkg.req.Name != "vision_core:0.3.1" {
		t.Errorf("image name = %q", pkg.req.Name)
	}
	if pkg.req.Labels[ocispec.AnnotationVersion] != "0.3.1" {
		t.Errorf("version label = %q", pkg.req.Labels[ocispec.AnnotationVersion])
	}

	wantStages := []string{StageDependencies, StageSource, StagePackage}
	if len(rec.stages) != len(wantStages) {
		t.Fatalf("stages = %v, want %v", rec.stages, wantStages)
	}
	for i, s := range rec.stages {
		if s.stage != wantStages[i] || s.err != nil {
			t.Errorf("stage %d = %+v, want %s without error", i, s, wantStages[i])
		}
	}
	if rec.misses != 1 || rec.hits != 0 || rec.builds != 1 || rec.buildErr != nil {
		t.Errorf("recorder = %+v", rec)
	}

	layers, err := f.cache.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(layers) != 1 || layers[0].Key != res.CacheKey {
		t.Errorf("cached layers = %+v, want one layer for %s", layers, res.CacheKey)
	}
}

func TestRunSourceChangeReusesCache(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	ctx := context.Background()

	first, err := Run(ctx, f.options(t, &capturePackager{}, nil))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(f.dir, "src", "lib.rs"), "pub fn detect_edges() {}\n")

	pkg := &capturePackager{}
	second, err := Run(ctx, f.options(t, pkg, nil))
	if err != nil {
		t.Fatal(err)
	}

	if !second.CacheHit {
		t.Error("source-only change missed the cache")
	}
	if second.CacheKey != first.CacheKey {
		t.Errorf("cache key changed: %s -> %s", first.CacheKey, second.CacheKey)
	}
	if pkg.shared != "pub fn detect_edges() {}\n" {
		t.Errorf("shared artifact = %q, want the updated source", pkg.shared)
	}
}

func TestRunManifestChangeInvalidatesCache(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	ctx := context.Background()

	first, err := Run(ctx, f.options(t, &capturePackager{}, nil))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(f.dir, "Cargo.toml"), testManifest+"imageproc = \"0.23\"\n")

	second, err := Run(ctx, f.options(t, &capturePackager{}, nil))
	if err != nil {
		t.Fatal(err)
	}

	if second.CacheHit {
		t.Error("manifest change hit the cache")
	}
	if second.CacheKey == first.CacheKey {
		t.Error("manifest change kept the cache key")
	}
}

func TestRunNoCacheRebuildsDependencies(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	ctx := context.Background()

	if _, err := Run(ctx, f.options(t, &capturePackager{}, nil)); err != nil {
		t.Fatal(err)
	}

	opts := f.options(t, &capturePackager{}, nil)
	opts.NoCache = true
	res, err := Run(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.CacheHit {
		t.Error("--no-cache build reported a cache hit")
	}
}

// Writes a slim runtime base image providing tail.
func writeRuntimeBase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "busybox"), "#!/bin/sh\n")

	base := filepath.Join(dir, "base.tar")
	_, err := image.Write(context.Background(), image.Options{
		Platform: "linux/amd64",
		Files: []image.File{
			{Source: filepath.Join(dir, "busybox"), Path: "/usr/bin/tail", Mode: 0o755},
		},
		Output: base,
	})
	if err != nil {
		t.Fatal(err)
	}
	return base
}

func TestRunWritesImageWithExactlyTwoArtifacts(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	base := writeRuntimeBase(t)

	res, err := Run(context.Background(), f.options(t, NewImagePackager(base, "linux/amd64", false), nil))
	if err != nil {
		t.Fatal(err)
	}

	if res.Image != filepath.Join(f.dir, "dist", "image.tar") {
		t.Errorf("image = %q", res.Image)
	}

	img, err := image.Read(res.Image, "linux/amd64")
	if err != nil {
		t.Fatal(err)
	}
	if len(img.Manifest.Layers) != 2 {
		t.Fatalf("layers = %d, want base plus one", len(img.Manifest.Layers))
	}

	files, err := img.Files(1)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/usr/local/lib/libvision_core.rlib", "/usr/local/lib/libvision_core.so"}
	if !slices.Equal(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}

	cmd := img.Config.Config.Cmd
	if !slices.Equal(cmd, []string{"tail", "-f", "/dev/null"}) {
		t.Fatalf("cmd = %v", cmd)
	}
	if p, err := img.LookPath(cmd[0]); err != nil || p != "/usr/bin/tail" {
		t.Errorf("LookPath(%q) = %q, %v", cmd[0], p, err)
	}

	labels := img.Config.Config.Labels
	if labels[ocispec.AnnotationTitle] != "vision_core" {
		t.Errorf("title label = %q", labels[ocispec.AnnotationTitle])
	}
	created, err := time.Parse(time.RFC3339Nano, labels[ocispec.AnnotationCreated])
	if err != nil {
		t.Fatal(err)
	}
	if img.Config.Created == nil || !img.Config.Created.Equal(created) {
		t.Errorf("config created %v differs from label %v", img.Config.Created, created)
	}
}

func TestRunImagePackagerRequiresBase(t *testing.T) {
	f := newFixture(t, fakeToolchain)

	_, err := Run(context.Background(), f.options(t, NewImagePackager("", "linux/amd64", false), nil))
	if !errors.Is(err, ErrPackagingStage) || !errors.Is(err, ErrMissingBase) {
		t.Fatalf("expected ErrPackagingStage and ErrMissingBase, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "dist")); !os.IsNotExist(err) {
		t.Error("failed packaging left output behind")
	}
}

func TestRunCreatesOutputForPackager(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	f.recipe.Output = "build/images"
	pkg := &capturePackager{}

	if _, err := Run(context.Background(), f.options(t, pkg, nil)); err != nil {
		t.Fatal(err)
	}
	if pkg.req.Output != filepath.Join(f.dir, "build", "images") {
		t.Errorf("output = %q", pkg.req.Output)
	}
	if !pkg.outputDir {
		t.Error("output directory did not exist when the packager ran")
	}
	if pkg.req.Created.IsZero() || pkg.req.Labels[ocispec.AnnotationCreated] != pkg.req.Created.Format(time.RFC3339Nano) {
		t.Errorf("created label %q does not match %v", pkg.req.Labels[ocispec.AnnotationCreated], pkg.req.Created)
	}
}

func TestRunPackagingFailureRemovesCreatedOutput(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	pkg := &capturePackager{err: errors.New("export failed")}

	_, err := Run(context.Background(), f.options(t, pkg, nil))
	if !errors.Is(err, ErrPackagingStage) {
		t.Fatalf("expected ErrPackagingStage, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "dist")); !os.IsNotExist(err) {
		t.Error("failed packaging left an output directory behind")
	}
}

func TestRunFailures(t *testing.T) {
	missingStatic := strings.Replace(fakeToolchain,
		"  cat src/lib.rs > target/release/libvision_core.rlib\n", "", 1)
	compileError := strings.Replace(fakeToolchain,
		"  test -f target/deps.marker\n", "  echo 'error[E0425]: cannot find value' >&2\n  exit 101\n", 1)
	depsError := strings.Replace(fakeToolchain,
		"  echo compiled >> target/deps.marker\n", "  echo 'failed to resolve dependencies' >&2\n  exit 101\n", 1)
	noTarget := "true"

	tests := []struct {
		name      string
		script    string
		want      []error
		stages    int
		cacheSize int
	}{
		{"missing artifact", missingStatic, []error{ErrSourceStage, ErrMissingArtifact}, 2, 1},
		{"compile error", compileError, []error{ErrSourceStage, ErrCommandFailed}, 2, 1},
		{"dependency error", depsError, []error{ErrDependencyStage, ErrCommandFailed}, 1, 0},
		{"missing target", noTarget, []error{ErrDependencyStage}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.script)
			pkg := &capturePackager{}
			rec := &captureRecorder{}

			_, err := Run(context.Background(), f.options(t, pkg, rec))
			for _, want := range tt.want {
				if !errors.Is(err, want) {
					t.Errorf("error %v is not %v", err, want)
				}
			}

			if pkg.calls != 0 {
				t.Error("packaging ran after a failed stage")
			}
			if len(rec.stages) != tt.stages {
				t.Errorf("stages run = %d, want %d", len(rec.stages), tt.stages)
			}
			if rec.buildErr == nil {
				t.Error("recorder did not see the build failure")
			}

			layers, err := f.cache.List(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(layers) != tt.cacheSize {
				t.Errorf("cached layers = %d, want %d", len(layers), tt.cacheSize)
			}

			if _, err := os.Stat(filepath.Join(f.dir, "dist")); !os.IsNotExist(err) {
				t.Error("failed build left output behind")
			}
		})
	}
}

func TestRunCompileErrorIncludesStderr(t *testing.T) {
	script := strings.Replace(fakeToolchain,
		"  test -f target/deps.marker\n", "  echo 'error[E0425]: cannot find value' >&2\n  exit 101\n", 1)
	f := newFixture(t, script)

	_, err := Run(context.Background(), f.options(t, &capturePackager{}, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "error[E0425]") || !strings.Contains(err.Error(), "code 101") {
		t.Errorf("error %q lacks the compiler output", err)
	}
}

func TestRunRejectsSourceOutsideManifestDir(t *testing.T) {
	f := newFixture(t, fakeToolchain)
	f.recipe.Source = "../elsewhere"

	_, err := Run(context.Background(), f.options(t, &capturePackager{}, nil))
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("expected ErrBuild, got %v", err)
	}
}

func TestRunRejectsLibraryRootOutsideSource(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		recipe   func(*recipe.Recipe)
	}{
		{
			name:     "lib path at crate root",
			manifest: testManifest + "\n[lib]\npath = \"lib.rs\"\n",
		},
		{
			name:     "placeholder override",
			manifest: testManifest,
			recipe:   func(r *recipe.Recipe) { r.Placeholder.Path = "build.rs" },
		},
		{
			name:     "placeholder is the source dir",
			manifest: testManifest,
			recipe:   func(r *recipe.Recipe) { r.Placeholder.Path = "src" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fakeToolchain)
			writeFile(t, filepath.Join(f.dir, "Cargo.toml"), tt.manifest)
			if tt.recipe != nil {
				tt.recipe(f.recipe)
			}
			rec := &captureRecorder{}

			_, err := Run(context.Background(), f.options(t, &capturePackager{}, rec))
			if !errors.Is(err, ErrBuild) {
				t.Fatalf("expected ErrBuild, got %v", err)
			}
			if len(rec.stages) != 0 {
				t.Errorf("stages run = %d, want 0", len(rec.stages))
			}
		})
	}
}

func TestStreamPrefersProducerError(t *testing.T) {
	errProduce := errors.New("produce failed")

	err := stream(
		func(w io.Writer) error { return errProduce },
		func(r io.Reader) error {
			_, err := io.ReadAll(r)
			return err
		},
	)
	if !errors.Is(err, errProduce) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short \n", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("0123456789", 4); got != "...6789" {
		t.Errorf("tail = %q", got)
	}
}
