package recipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEmptyUsesDefaults(t *testing.T) {
	r, err := Decode(strings.NewReader(""), "/project")
	require.NoError(t, err)

	want := Default()
	want.Dir = "/project"
	assert.Equal(t, want, r)
}

func TestDecodeOverrides(t *testing.T) {
	src := `
name: visioncortex
source: crates/core/src
toolchain:
  build: cargo build --release --locked
  env:
    CARGO_NET_OFFLINE: "true"
runtime:
  libdir: /opt/lib
`
	r, err := Decode(strings.NewReader(src), "/project")
	require.NoError(t, err)

	assert.Equal(t, "visioncortex", r.Name)
	assert.Equal(t, "crates/core/src", r.Source)
	assert.Equal(t, "cargo build --release --locked", r.Toolchain.Build)
	assert.Equal(t, "/bin/sh", r.Toolchain.Shell, "unset fields keep defaults")
	assert.Equal(t, "/opt/lib", r.Runtime.LibDir)
	assert.Equal(t, []string{"tail", "-f", "/dev/null"}, r.Runtime.Command)
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "unknown field", src: "bogus: 1\n"},
		{name: "malformed yaml", src: "name: [\n"},
		{name: "empty build", src: "toolchain:\n  build: \"  \"\n"},
		{name: "absolute artifact", src: "artifacts:\n  shared: /lib/x.so\n"},
		{name: "escaping artifact", src: "artifacts:\n  static: ../x.rlib\n"},
		{name: "artifact outside target", src: "artifacts:\n  shared: out/libx.so\n"},
		{name: "same filename", src: "artifacts:\n  shared: target/a/lib.x\n  static: target/b/lib.x\n"},
		{name: "relative libdir", src: "runtime:\n  libdir: usr/lib\n"},
		{name: "empty command", src: "runtime:\n  command: []\n"},
		{name: "escaping placeholder", src: "placeholder:\n  path: ../lib.rs\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.src), "/project")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRecipe), "err = %v", err)
		})
	}
}

func TestArtifactPaths(t *testing.T) {
	r := Default()
	shared, static := r.ArtifactPaths("visioncortex")
	assert.Equal(t, "target/release/libvisioncortex.so", shared)
	assert.Equal(t, "target/release/libvisioncortex.rlib", static)
}

func TestLibNameAndPlaceholder(t *testing.T) {
	r := Default()
	assert.Equal(t, "from_manifest", r.LibName("from_manifest"))
	assert.Equal(t, "src/lib.rs", r.PlaceholderPath("src/lib.rs"))

	r.Name = "override"
	r.Placeholder.Path = "./src/main_lib.rs"
	assert.Equal(t, "override", r.LibName("from_manifest"))
	assert.Equal(t, "src/main_lib.rs", r.PlaceholderPath("src/lib.rs"))
}

func TestPath(t *testing.T) {
	r := Default()
	r.Dir = "/project"
	assert.Equal(t, filepath.Join("/project", "Cargo.toml"), r.Path("Cargo.toml"))
	assert.Equal(t, "/abs/file", r.Path("/abs/file"))
	assert.Equal(t, "", r.Path(""))
}

func TestEnviron(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.env"), []byte("A=file\nB=file\n"), 0644))

	r := Default()
	r.Dir = dir
	r.Toolchain.EnvFile = "build.env"
	r.Toolchain.Env = map[string]string{"B": "explicit", "C": "explicit"}

	env, err := r.Environ()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "file", "B": "explicit", "C": "explicit"}, env)

	r.Toolchain.EnvFile = "missing.env"
	_, err = r.Environ()
	assert.ErrorIs(t, err, ErrReadRecipe)
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()

	r, err := LoadOrDefault(filepath.Join(dir, DefaultFilename))
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFilename), []byte("output: out\n"), 0644))
	r, err = LoadOrDefault(filepath.Join(dir, DefaultFilename))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out"), r.Path(r.Output))
}
