package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Conventional recipe filename, looked up in the working directory.
const DefaultFilename = "libpack.yaml"

// Token replaced by the library name in artifact paths.
const nameToken = "{name}"

// Describes how a library is built and packaged.
type Recipe struct {
	Dir         string      `yaml:"-"`           // Directory relative host paths are resolved against.
	Name        string      `yaml:"name"`        // Library name override. Empty uses the manifest.
	Manifest    string      `yaml:"manifest"`    // Dependency manifest, relative to Dir.
	Lockfile    string      `yaml:"lockfile"`    // Optional lockfile copied next to the manifest.
	Source      string      `yaml:"source"`      // Real source tree, relative to Dir.
	Placeholder Placeholder `yaml:"placeholder"` // Stand-in unit used by the dependency stage.
	Toolchain   Toolchain   `yaml:"toolchain"`   // Compiler invocation.
	Target      string      `yaml:"target"`      // Toolchain output directory, cached between builds.
	Artifacts   Artifacts   `yaml:"artifacts"`   // Files collected from the workspace.
	Runtime     Runtime     `yaml:"runtime"`     // Runtime image the artifacts are placed into.
	Output      string      `yaml:"output"`      // Directory receiving image.tar, relative to Dir.
}

// The placeholder compilation unit.
type Placeholder struct {
	Path    string `yaml:"path"`    // Workspace-relative path. Empty uses the manifest's library root.
	Content string `yaml:"content"` // File content. Empty is a valid unit for most toolchains.
}

// The compiler and the environment it runs in.
type Toolchain struct {
	Image    string            `yaml:"image"`    // OCI archive of the toolchain image (containerd backend).
	Platform string            `yaml:"platform"` // Target platform, e.g. "linux/amd64". Empty uses the host.
	Shell    string            `yaml:"shell"`    // Shell used to run Build.
	Workdir  string            `yaml:"workdir"`  // Workspace root inside the build container.
	Build    string            `yaml:"build"`    // Release build command.
	Env      map[string]string `yaml:"env"`      // Extra environment for Build.
	EnvFile  string            `yaml:"env_file"` // Optional dotenv file merged below Env.
}

// Workspace-relative artifact paths.
type Artifacts struct {
	Shared string `yaml:"shared"` // Shared library object.
	Static string `yaml:"static"` // Static archive.
}

// The runtime image.
type Runtime struct {
	Base    string   `yaml:"base"`    // OCI archive of the runtime base image. Must provide the command.
	LibDir  string   `yaml:"libdir"`  // Absolute directory the artifacts are placed in.
	Command []string `yaml:"command"` // Image command, the runtime placeholder.
}

// Returns a recipe populated with defaults.
func Default() *Recipe {
	return &Recipe{
		Manifest: "Cargo.toml",
		Lockfile: "Cargo.lock",
		Source:   "src",
		Toolchain: Toolchain{
			Shell:   "/bin/sh",
			Workdir: "/app",
			Build:   "cargo build --release",
		},
		Target: "target",
		Artifacts: Artifacts{
			Shared: "target/release/lib{name}.so",
			Static: "target/release/lib{name}.rlib",
		},
		Runtime: Runtime{
			LibDir:  "/usr/local/lib",
			Command: []string{"tail", "-f", "/dev/null"},
		},
		Output: "dist",
	}
}

// Reads a recipe file, applies defaults for absent fields, and validates it.
func Load(file string) (*Recipe, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipe, err)
	}
	defer f.Close()

	abs, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipe, err)
	}

	r, err := Decode(f, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return r, nil
}

// Like [Load], but returns the default recipe rooted at the file's
// directory when the file does not exist.
func LoadOrDefault(file string) (*Recipe, error) {
	r, err := Load(file)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return r, err
	}

	abs, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipe, err)
	}

	r = Default()
	r.Dir = abs
	return r, nil
}

// Decodes a recipe from r on top of the defaults and validates it. dir is
// the base for relative host paths.
func Decode(r io.Reader, dir string) (*Recipe, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadRecipe, err)
	}

	rec := Default()
	rec.Dir = dir

	if len(bytes.TrimSpace(b)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Checks the recipe for values the pipeline cannot work with.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Toolchain.Build) == "" {
		return fmt.Errorf("%w: toolchain.build is empty", ErrInvalidRecipe)
	}
	if r.Manifest == "" {
		return fmt.Errorf("%w: manifest is empty", ErrInvalidRecipe)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: source is empty", ErrInvalidRecipe)
	}
	if err := checkRelative("target", r.Target); err != nil {
		return err
	}
	if r.Placeholder.Path != "" {
		if err := checkRelative("placeholder.path", r.Placeholder.Path); err != nil {
			return err
		}
	}
	if err := r.checkArtifact("artifacts.shared", r.Artifacts.Shared); err != nil {
		return err
	}
	if err := r.checkArtifact("artifacts.static", r.Artifacts.Static); err != nil {
		return err
	}
	if path.Base(r.Artifacts.Shared) == path.Base(r.Artifacts.Static) {
		return fmt.Errorf("%w: artifacts share the filename %q", ErrInvalidRecipe, path.Base(r.Artifacts.Shared))
	}
	if !path.IsAbs(r.Runtime.LibDir) {
		return fmt.Errorf("%w: runtime.libdir %q must be absolute", ErrInvalidRecipe, r.Runtime.LibDir)
	}
	if !path.IsAbs(r.Toolchain.Workdir) {
		return fmt.Errorf("%w: toolchain.workdir %q must be absolute", ErrInvalidRecipe, r.Toolchain.Workdir)
	}
	if len(r.Runtime.Command) == 0 {
		return fmt.Errorf("%w: runtime.command is empty", ErrInvalidRecipe)
	}
	return nil
}

// Ensures an artifact path is workspace-relative and inside the target dir.
func (r *Recipe) checkArtifact(field, p string) error {
	if err := checkRelative(field, p); err != nil {
		return err
	}
	target := path.Clean(r.Target)
	if !strings.HasPrefix(path.Clean(p), target+"/") {
		return fmt.Errorf("%w: %s %q is outside target %q", ErrInvalidRecipe, field, p, r.Target)
	}
	return nil
}

// Rejects empty, absolute, and escaping workspace paths.
func checkRelative(field, p string) error {
	if p == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidRecipe, field)
	}
	if path.IsAbs(p) {
		return fmt.Errorf("%w: %s %q must be relative", ErrInvalidRecipe, field, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: %s %q escapes the workspace", ErrInvalidRecipe, field, p)
	}
	return nil
}

// Resolves a host path against the recipe directory. Absolute paths and
// the empty string are returned unchanged.
func (r *Recipe) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Dir, p)
}

// Returns the library name, preferring the recipe override.
func (r *Recipe) LibName(fromManifest string) string {
	if r.Name != "" {
		return r.Name
	}
	return fromManifest
}

// Expands the artifact templates for the given library name.
func (r *Recipe) ArtifactPaths(name string) (shared, static string) {
	shared = path.Clean(strings.ReplaceAll(r.Artifacts.Shared, nameToken, name))
	static = path.Clean(strings.ReplaceAll(r.Artifacts.Static, nameToken, name))
	return shared, static
}

// Returns the placeholder path, falling back to the given library root.
func (r *Recipe) PlaceholderPath(libSource string) string {
	if r.Placeholder.Path != "" {
		return path.Clean(r.Placeholder.Path)
	}
	return path.Clean(libSource)
}

// Returns the toolchain environment.
//
// Variables from the env file are loaded first, then overlaid with the
// explicit env map. The process environment is not included.
func (r *Recipe) Environ() (map[string]string, error) {
	env := make(map[string]string)

	if r.Toolchain.EnvFile != "" {
		loaded, err := godotenv.Read(r.Path(r.Toolchain.EnvFile))
		if err != nil {
			return nil, fmt.Errorf("%w: env_file: %w", ErrReadRecipe, err)
		}
		maps.Copy(env, loaded)
	}

	maps.Copy(env, r.Toolchain.Env)
	return env, nil
}
