package manifest

import (
	_ "crypto/sha256"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/opencontainers/go-digest"
)

// Crate types that yield the two packaged artifacts.
const (
	crateTypeShared  = "cdylib"
	crateTypeDylib   = "dylib"
	crateTypeStatic  = "rlib"
	defaultLibSource = "src/lib.rs"
)

// A parsed dependency manifest.
type Manifest struct {
	Path         string       // Path the manifest was loaded from, empty when parsed from memory.
	Package      Package      // The [package] table.
	Lib          Lib          // The [lib] table, zero when absent.
	Dependencies []Dependency // Entries of [dependencies], sorted by name.
	raw          []byte       // File content as read, used for digests.
}

// The [package] table.
type Package struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Edition string `toml:"edition"`
}

// The [lib] table.
type Lib struct {
	Name      string   `toml:"name"`
	Path      string   `toml:"path"`
	CrateType []string `toml:"crate-type"`
}

// A single external dependency.
type Dependency struct {
	Name    string // Key in the dependency table.
	Version string // Version requirement, empty for path or git dependencies.
	Source  string // "registry", "path", or "git".
}

// Formats the dependency as name@version for registry dependencies and
// name (source) otherwise.
func (d Dependency) String() string {
	if d.Source != "registry" {
		return d.Name + " (" + d.Source + ")"
	}
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "@" + d.Version
}

// Layout of the manifest file as decoded from TOML. Dependency values are
// either a bare version string or an inline table.
type document struct {
	Package      *Package       `toml:"package"`
	Lib          *Lib           `toml:"lib"`
	Dependencies map[string]any `toml:"dependencies"`
}

// Reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadManifest, err)
	}

	m, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parses manifest content and validates it.
//
// The content must be valid TOML with a package name. When a [lib] table
// declares crate types they must include a shared library type and rlib,
// otherwise the toolchain would never produce the artifacts being packaged.
func Parse(b []byte) (*Manifest, error) {
	var doc document
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	if doc.Package == nil || strings.TrimSpace(doc.Package.Name) == "" {
		return nil, fmt.Errorf("%w: missing package name", ErrInvalidManifest)
	}

	m := &Manifest{
		Package: *doc.Package,
		raw:     slices.Clone(b),
	}
	if doc.Lib != nil {
		m.Lib = *doc.Lib
	}

	if err := m.validateCrateTypes(); err != nil {
		return nil, err
	}

	deps, err := parseDependencies(doc.Dependencies)
	if err != nil {
		return nil, err
	}
	m.Dependencies = deps

	return m, nil
}

// Name of the compiled library.
//
// The [lib] name wins when set. Otherwise the package name is used with
// dashes replaced by underscores, matching how the toolchain names its
// outputs.
func (m *Manifest) LibName() string {
	if m.Lib.Name != "" {
		return m.Lib.Name
	}
	return strings.ReplaceAll(m.Package.Name, "-", "_")
}

// Path of the library root source file, relative to the manifest.
func (m *Manifest) LibSource() string {
	if m.Lib.Path != "" {
		return m.Lib.Path
	}
	return defaultLibSource
}

// Raw manifest content.
func (m *Manifest) Bytes() []byte {
	return slices.Clone(m.raw)
}

// Content digest of the raw manifest.
func (m *Manifest) Digest() digest.Digest {
	return digest.FromBytes(m.raw)
}

// Ensures declared crate types produce both packaged artifacts.
func (m *Manifest) validateCrateTypes() error {
	if len(m.Lib.CrateType) == 0 {
		return nil
	}

	shared := slices.Contains(m.Lib.CrateType, crateTypeShared) || slices.Contains(m.Lib.CrateType, crateTypeDylib)
	static := slices.Contains(m.Lib.CrateType, crateTypeStatic)

	if !shared || !static {
		return fmt.Errorf("%w: crate-type %v must include %s and %s", ErrInvalidManifest, m.Lib.CrateType, crateTypeShared, crateTypeStatic)
	}
	return nil
}

// Converts the decoded dependency table into a sorted list.
func parseDependencies(table map[string]any) ([]Dependency, error) {
	deps := make([]Dependency, 0, len(table))

	for name, value := range table {
		dep := Dependency{Name: name, Source: "registry"}

		switch v := value.(type) {
		case string:
			dep.Version = v
		case map[string]any:
			if s, ok := v["version"].(string); ok {
				dep.Version = s
			}
			if _, ok := v["path"]; ok {
				dep.Source = "path"
			}
			if _, ok := v["git"]; ok {
				dep.Source = "git"
			}
		default:
			return nil, fmt.Errorf("%w: dependency %q has unsupported value %v", ErrInvalidManifest, name, value)
		}

		deps = append(deps, dep)
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}
